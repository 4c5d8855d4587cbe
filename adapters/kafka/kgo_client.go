package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
)

// Concrete franz-go based constructor and client wrapper.

type SASLConfig struct {
	// Mechanism supports "PLAIN".
	Mechanism string
	Username  string
	Password  string
}

type Config struct {
	Brokers []string
	TLS     *tls.Config
	SASL    *SASLConfig
	// Acks is "all" (default), "leader" or "none".
	Acks string
	// Compression is "", "gzip", "snappy", "lz4" or "zstd".
	Compression string
	ClientID    string
	// Group is the consumer group, usually the subscriber application name.
	Group string
	// RetryCount bounds the initial broker ping attempts.
	RetryCount int
}

type kgoClient struct{ cl *kgo.Client }

func (c kgoClient) Produce(ctx context.Context, r Record) error {
	rec := &kgo.Record{Topic: r.Topic, Key: r.Key, Value: r.Value}
	if len(r.Headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(r.Headers))
		for k, v := range r.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return c.cl.ProduceSync(ctx, rec).FirstErr()
}

func (c kgoClient) AddConsumeTopics(topics ...string) { c.cl.AddConsumeTopics(topics...) }

func (c kgoClient) RemoveConsumeTopics(topics ...string) { c.cl.PurgeTopicsFromConsuming(topics...) }

func (c kgoClient) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClientClosed
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	var out []Record

	fetches.EachRecord(func(r *kgo.Record) {
		var headers map[string]string
		if len(r.Headers) > 0 {
			headers = make(map[string]string, len(r.Headers))
			for _, h := range r.Headers {
				headers[h.Key] = string(h.Value)
			}
		}

		out = append(out, Record{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			LeaderEpoch: r.LeaderEpoch,
			Key:         r.Key,
			Value:       r.Value,
			Headers:     headers,
		})
	})

	return out, errors.Join(errs...)
}

func (c kgoClient) Commit(ctx context.Context, records ...Record) error {
	recs := make([]*kgo.Record, len(records))
	for i, r := range records {
		recs[i] = &kgo.Record{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, LeaderEpoch: r.LeaderEpoch}
	}

	return c.cl.CommitRecords(ctx, recs...)
}

func (c kgoClient) Close() { c.cl.Close() }

// NewWithKgo builds a franz-go client, pings the brokers with backoff, and returns a
// Transport owning the client.
func NewWithKgo(ctx context.Context, cfg Config, o Options) (*Transport, error) {
	opts, err := kgoOptions(cfg)
	if err != nil {
		return nil, err
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrConnectFailed, err)
	}

	if err := retry.New().Do(ctx, cfg.RetryCount, cl.Ping); err != nil {
		cl.Close()

		return nil, fmt.Errorf("%w: kafka ping: %w", berr.ErrConnectFailed, err)
	}

	return New(kgoClient{cl: cl}, o), nil
}

func kgoOptions(cfg Config) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", berr.ErrConnectFailed)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DisableAutoCommit(),
	}

	if cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.Group))
	}

	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	switch strings.ToLower(cfg.Acks) {
	case "", "all":
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("%w: kafka acks %q", berr.ErrInvalidConfig, cfg.Acks)
	}

	switch strings.ToLower(cfg.Compression) {
	case "":
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, fmt.Errorf("%w: kafka compression %q", berr.ErrInvalidConfig, cfg.Compression)
	}

	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		if !strings.EqualFold(cfg.SASL.Mechanism, "PLAIN") {
			return nil, fmt.Errorf("%w: kafka SASL mechanism %q", berr.ErrInvalidConfig, cfg.SASL.Mechanism)
		}

		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.SASL.Username, Pass: cfg.SASL.Password}.AsMechanism()))
	}

	return opts, nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string {
	var out []string

	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}

	return out
}
