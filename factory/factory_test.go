package factory_test

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/adapters/redis"
	"github.com/next-trace/scg-event-bus/adapters/webhook"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/factory"
	"github.com/next-trace/scg-event-bus/resolver"
	"github.com/next-trace/scg-event-bus/servicebus"
)

type StockDepletedIntegrationEvent struct {
	cbus.IntegrationEvent

	SKU string `json:"sku"`
}

type restockHandler struct{ skus []string }

func (h *restockHandler) Handle(_ context.Context, e StockDepletedIntegrationEvent) error {
	h.skus = append(h.skus, e.SKU)
	return nil
}

func TestNew_InMemoryLoopback(t *testing.T) {
	cfg := config.Default()
	cfg.BusType = config.InMemory

	h := &restockHandler{}
	c := resolver.New()
	require.NoError(t, resolver.RegisterHandler(c, h))

	b, err := factory.New(t.Context(), cfg, c, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, servicebus.Subscribe[StockDepletedIntegrationEvent, *restockHandler](t.Context(), b))
	require.NoError(t, b.Publish(t.Context(), StockDepletedIntegrationEvent{IntegrationEvent: cbus.NewIntegrationEvent(), SKU: "sku-1"}))

	assert.Equal(t, []string{"sku-1"}, h.skus)
}

func TestNewTransport_SelectsBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := map[config.BusType]struct {
		conn string
		want any
	}{
		config.InMemory: {"", &inmemory.Transport{}},
		config.Webhook:  {"http://a.example, http://b.example", &webhook.Transport{}},
		config.Redis:    {"redis://" + mr.Addr(), &redis.Transport{}},
	}

	for bt, tc := range tests {
		t.Run(bt.String(), func(t *testing.T) {
			cfg := config.Default()
			cfg.BusType = bt
			cfg.ConnectionString = tc.conn

			tr, err := factory.NewTransport(t.Context(), cfg, nil)
			require.NoError(t, err)
			defer tr.Close()

			assert.IsType(t, tc.want, tr)
		})
	}
}

func TestNewTransport_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ConnectionString = ""

	_, err := factory.NewTransport(t.Context(), cfg, nil)
	require.ErrorIs(t, err, berr.ErrInvalidConfig)

	cfg = config.Default()
	cfg.BusType = config.InMemory
	cfg.Serializer = "gob"

	_, err = factory.New(t.Context(), cfg, resolver.New(), nil)
	require.ErrorIs(t, err, berr.ErrInvalidConfig)
}
