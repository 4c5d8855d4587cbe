package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/naming"
)

// BusType selects the transport backend.
type BusType int

const (
	RabbitMQ BusType = iota
	AzureServiceBus
	NATS
	Kafka
	Redis
	InMemory
	Webhook
)

var busTypeNames = map[BusType]string{
	RabbitMQ:        "RabbitMQ",
	AzureServiceBus: "AzureServiceBus",
	NATS:            "NATS",
	Kafka:           "Kafka",
	Redis:           "Redis",
	InMemory:        "InMemory",
	Webhook:         "Webhook",
}

func (t BusType) String() string {
	if s, ok := busTypeNames[t]; ok {
		return s
	}

	return fmt.Sprintf("BusType(%d)", int(t))
}

// ParseBusType parses a bus type name case-insensitively.
func ParseBusType(s string) (BusType, error) {
	for t, name := range busTypeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return t, nil
		}
	}

	return 0, fmt.Errorf("bus type %q: %w", s, berr.ErrInvalidConfig)
}

// MarshalText implements encoding.TextMarshaler.
func (t BusType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *BusType) UnmarshalText(b []byte) error {
	v, err := ParseBusType(string(b))
	if err != nil {
		return err
	}

	*t = v

	return nil
}

// Config configures one event bus instance.
type Config struct {
	// ConnectionRetryCount bounds transport connection attempts. The core never retries.
	ConnectionRetryCount int
	// DefaultTopicName names the exchange, topic, or subject root events are published to.
	DefaultTopicName string
	// ConnectionString addresses the broker (AMQP URL, NATS URL, Azure connection string,
	// comma separated Kafka seed brokers, Redis URL, or comma separated webhook endpoints).
	ConnectionString string
	// SubscriberAppName qualifies queue and subscription names of this application.
	SubscriberAppName string
	EventNamePrefix   string
	EventNameSuffix   string
	BusType           BusType
	// TrimMode controls how EventNamePrefix and EventNameSuffix are stripped.
	TrimMode       naming.TrimMode
	ConnectTimeout time.Duration
	// PrefetchCount is the number of inbound messages processed concurrently per consumer.
	PrefetchCount int
	// Serializer names the payload codec: "json" or "sonic".
	Serializer string
}

const (
	DefaultConnectionRetryCount = 5
	DefaultTopicName            = "scgEventBus"
	DefaultEventNameSuffix      = "IntegrationEvent"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultPrefetchCount        = 1
)

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		ConnectionRetryCount: DefaultConnectionRetryCount,
		DefaultTopicName:     DefaultTopicName,
		EventNameSuffix:      DefaultEventNameSuffix,
		BusType:              RabbitMQ,
		TrimMode:             naming.TrimCharset,
		ConnectTimeout:       DefaultConnectTimeout,
		PrefetchCount:        DefaultPrefetchCount,
		Serializer:           "json",
	}
}

// DeletePrefix reports whether the prefix is stripped from event names.
func (c Config) DeletePrefix() bool { return c.EventNamePrefix != "" }

// DeleteSuffix reports whether the suffix is stripped from event names.
func (c Config) DeleteSuffix() bool { return c.EventNameSuffix != "" }

// Normalizer builds the event name normalizer for this configuration.
func (c Config) Normalizer() naming.Normalizer {
	return naming.New(c.EventNamePrefix, c.EventNameSuffix, c.TrimMode)
}

// SubscriberName returns "<SubscriberAppName>.<key>" for a raw event name.
func (c Config) SubscriberName(eventName string) string {
	return c.Normalizer().SubscriberName(c.SubscriberAppName, eventName)
}

// Validate reports every problem with c joined into one error.
func (c Config) Validate() error {
	var errs []error

	if c.ConnectionRetryCount < 0 {
		errs = append(errs, fmt.Errorf("connectionRetryCount must not be negative"))
	}

	if strings.TrimSpace(c.DefaultTopicName) == "" {
		errs = append(errs, fmt.Errorf("defaultTopicName is required"))
	}

	if _, ok := busTypeNames[c.BusType]; !ok {
		errs = append(errs, fmt.Errorf("unknown bus type %d", int(c.BusType)))
	}

	if c.BusType != InMemory && c.BusType != Webhook && strings.TrimSpace(c.ConnectionString) == "" {
		errs = append(errs, fmt.Errorf("connectionString is required for %s", c.BusType))
	}

	if c.PrefetchCount < 1 {
		errs = append(errs, fmt.Errorf("prefetchCount must be at least 1"))
	}

	if c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connectTimeout must not be negative"))
	}

	switch c.Serializer {
	case "", "json", "sonic":
	default:
		errs = append(errs, fmt.Errorf("unknown serializer %q", c.Serializer))
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("config: %w", errors.Join(append([]error{berr.ErrInvalidConfig}, errs...)...))
}
