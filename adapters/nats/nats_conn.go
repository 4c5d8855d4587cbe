package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	// RetryCount bounds the initial connection attempts.
	RetryCount int
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	var h nats.Header
	if len(headers) > 0 {
		h = nats.Header{}
		for k, v := range headers {
			h.Add(k, v)
		}
	}

	msg.Header = h

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) QueueSubscribe(subject, queue string, cb func(Msg)) (Subscription, error) {
	handler := func(m *nats.Msg) {
		var headers map[string]string
		if len(m.Header) > 0 {
			headers = make(map[string]string, len(m.Header))
			for k := range m.Header {
				headers[k] = m.Header.Get(k)
			}
		}

		cb(Msg{Subject: m.Subject, Data: m.Data, Headers: headers})
	}

	if queue == "" {
		return c.nc.Subscribe(subject, handler)
	}

	return c.nc.QueueSubscribe(subject, queue, handler)
}

func (c natsClient) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}

	err := c.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}

	return err
}

// NewWithNATS connects to NATS, retrying with backoff, and returns a Transport owning the connection.
func NewWithNATS(ctx context.Context, cfg Config, o Options) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", berr.ErrConnectFailed)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	var nc *nats.Conn

	err := retry.New().Do(ctx, cfg.RetryCount, func(context.Context) error {
		var err error

		nc, err = nats.Connect(cfg.URL, opts...)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", berr.ErrConnectFailed, err)
	}

	return New(natsClient{nc: nc}, o), nil
}
