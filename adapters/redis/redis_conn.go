package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
)

type Config struct {
	// ConnectionString is a redis:// URL or "host:port,password=...,ssl=true".
	ConnectionString string
	RetryCount       int
}

// ParseConnectionString accepts a redis URL or the comma separated form used by
// hosted Redis offerings.
func ParseConnectionString(s string) (*redis.Options, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: redis connection string required", berr.ErrConnectFailed)
	}

	if opts, err := redis.ParseURL(s); err == nil {
		return opts, nil
	}

	parts := strings.Split(s, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}

	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}

	return opts, nil
}

// NewWithRedis connects to Redis, pinging with backoff until it answers, and returns a
// Transport that closes the client on Close.
func NewWithRedis(ctx context.Context, cfg Config, o Options) (*Transport, error) {
	opts, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	err = retry.New().Do(ctx, cfg.RetryCount, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", berr.ErrConnectFailed, opts.Addr, err)
	}

	o.OwnClient = true

	return New(client, o), nil
}
