// Package factory builds a servicebus.Bus whose transport is selected by config.BusType.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/next-trace/scg-event-bus/adapters/azureservicebus"
	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/adapters/kafka"
	"github.com/next-trace/scg-event-bus/adapters/nats"
	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-event-bus/adapters/redis"
	"github.com/next-trace/scg-event-bus/adapters/webhook"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// New validates cfg, connects the transport named by cfg.BusType and returns a bus over it.
// logger is passed to the transport and, unless opts override it, to the bus.
func New(
	ctx context.Context,
	cfg config.Config,
	res cbus.HandlerResolver,
	logger *slog.Logger,
	opts ...servicebus.Option,
) (*servicebus.Bus, error) {
	tr, err := NewTransport(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	b, err := servicebus.New(cfg, tr, res, append([]servicebus.Option{servicebus.WithLogger(logger)}, opts...)...)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	return b, nil
}

// NewTransport validates cfg and connects the transport named by cfg.BusType.
func NewTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (servicebus.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout*time.Duration(max(cfg.ConnectionRetryCount, 1)))
		defer cancel()
	}

	switch cfg.BusType {
	case config.InMemory:
		return inmemory.New(logger), nil

	case config.RabbitMQ:
		return rabbitmq.NewWithAMQP(ctx, rabbitmq.Config{
			URL:         cfg.ConnectionString,
			ConnTimeout: cfg.ConnectTimeout,
			RetryCount:  cfg.ConnectionRetryCount,
			Exchange:    cfg.DefaultTopicName,
		}, rabbitmq.Options{
			Exchange:      cfg.DefaultTopicName,
			SubscriberApp: cfg.SubscriberAppName,
			PrefetchCount: cfg.PrefetchCount,
			Backoff:       retry.New(),
			Logger:        logger,
		})

	case config.AzureServiceBus:
		return azureservicebus.NewWithConnectionString(ctx, azureservicebus.Config{
			ConnectionString: cfg.ConnectionString,
			RetryCount:       cfg.ConnectionRetryCount,
		}, azureservicebus.Options{
			Topic:         cfg.DefaultTopicName,
			SubscriberApp: cfg.SubscriberAppName,
			PrefetchCount: cfg.PrefetchCount,
			Backoff:       retry.New(),
			Logger:        logger,
		})

	case config.NATS:
		return nats.NewWithNATS(ctx, nats.Config{
			URL:         cfg.ConnectionString,
			Name:        cfg.SubscriberAppName,
			ConnTimeout: cfg.ConnectTimeout,
			RetryCount:  cfg.ConnectionRetryCount,
		}, nats.Options{
			Topic:  cfg.DefaultTopicName,
			Queue:  cfg.SubscriberAppName,
			Logger: logger,
		})

	case config.Kafka:
		return kafka.NewWithKgo(ctx, kafka.Config{
			Brokers:    kafka.SplitBrokers(cfg.ConnectionString),
			ClientID:   cfg.SubscriberAppName,
			Group:      cfg.SubscriberAppName,
			RetryCount: cfg.ConnectionRetryCount,
		}, kafka.Options{
			Topic:  cfg.DefaultTopicName,
			Logger: logger,
		})

	case config.Redis:
		return redis.NewWithRedis(ctx, redis.Config{
			ConnectionString: cfg.ConnectionString,
			RetryCount:       cfg.ConnectionRetryCount,
		}, redis.Options{
			Topic:  cfg.DefaultTopicName,
			Logger: logger,
		})

	case config.Webhook:
		return webhook.New(webhook.Options{
			Endpoints: strings.Split(cfg.ConnectionString, ","),
			Client:    &http.Client{Timeout: cfg.ConnectTimeout},
			Logger:    logger,
		}), nil
	}

	return nil, fmt.Errorf("bus type %s: %w", cfg.BusType, berr.ErrInvalidConfig)
}
