package webhook_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-event-bus/adapters/webhook"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/resolver"
	"github.com/next-trace/scg-event-bus/servicebus"
)

type UserRegisteredIntegrationEvent struct {
	cbus.IntegrationEvent

	Email string `json:"email"`
}

type welcomeHandler struct {
	mu     sync.Mutex
	emails []string
}

func (h *welcomeHandler) Handle(_ context.Context, e UserRegisteredIntegrationEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.Email == "" {
		return errors.New("missing email")
	}

	h.emails = append(h.emails, e.Email)

	return nil
}

func newBus(t *testing.T, tr servicebus.Transport, res cbus.HandlerResolver) *servicebus.Bus {
	t.Helper()

	cfg := config.Default()
	cfg.BusType = config.Webhook

	b, err := servicebus.New(cfg, tr, res)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func subscriber(t *testing.T) (*httptest.Server, *welcomeHandler, *servicebus.Bus) {
	t.Helper()

	h := &welcomeHandler{}
	c := resolver.New()
	require.NoError(t, resolver.RegisterHandler(c, h))

	tr := webhook.New(webhook.Options{})
	b := newBus(t, tr, c)

	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(srv.Close)

	require.NoError(t, servicebus.Subscribe[UserRegisteredIntegrationEvent, *welcomeHandler](t.Context(), b))

	return srv, h, b
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestWebhook_PublishDeliversToSubscriber(t *testing.T) {
	srv, h, _ := subscriber(t)

	pub := newBus(t, webhook.New(webhook.Options{Endpoints: []string{srv.URL + "/"}}), resolver.New())

	evt := UserRegisteredIntegrationEvent{IntegrationEvent: cbus.NewIntegrationEvent(), Email: "ada@example.com"}
	require.NoError(t, pub.Publish(t.Context(), evt))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"ada@example.com"}, h.emails)
}

func TestWebhook_IngressStatusCodes(t *testing.T) {
	srv, _, _ := subscriber(t)

	id := cbus.NewIntegrationEvent().ID.String()
	url := srv.URL + "/events/UserRegistered"

	resp := post(t, url, `{"id":"`+id+`","createdAt":"2024-01-01T00:00:00Z","email":"x@example.com"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, url, `{broken`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, url, `{"id":"`+id+`","createdAt":"2024-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = post(t, srv.URL+"/events/Unknown", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url, strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set(servicebus.HeaderEventName, "SomethingElseIntegrationEvent")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "bound key but unrouted event name")
}

func TestWebhook_ListKeysAndUnbind(t *testing.T) {
	srv, _, b := subscriber(t)

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, servicebus.Unsubscribe[UserRegisteredIntegrationEvent, *welcomeHandler](t.Context(), b))

	resp2 := post(t, srv.URL+"/events/UserRegistered", `{}`)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestWebhook_PublishErrors(t *testing.T) {
	err := webhook.New(webhook.Options{}).Publish(t.Context(), servicebus.Message{RoutingKey: "k"})
	require.ErrorIs(t, err, berr.ErrPublishFailed)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	err = webhook.New(webhook.Options{Endpoints: []string{failing.URL}}).Publish(t.Context(), servicebus.Message{RoutingKey: "k"})
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.Contains(t, err.Error(), "status 503")
}

type capture struct {
	mu   sync.Mutex
	msgs []servicebus.InboundMessage
}

func (c *capture) ProcessMessage(_ context.Context, m servicebus.InboundMessage) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = append(c.msgs, m)

	return true, nil
}

func TestWebhook_RoutingKeyIsPathEscaped(t *testing.T) {
	in := &capture{}
	rx := webhook.New(webhook.Options{})
	require.NoError(t, rx.Bind(t.Context(), "Order Created/v2", in))

	srv := httptest.NewServer(rx.Handler())
	defer srv.Close()

	tx := webhook.New(webhook.Options{Endpoints: []string{srv.URL}})
	require.NoError(t, tx.Publish(t.Context(), servicebus.Message{RoutingKey: "Order Created/v2", Body: []byte(`{}`)}))

	in.mu.Lock()
	defer in.mu.Unlock()
	require.Len(t, in.msgs, 1)
	assert.Equal(t, "Order Created/v2", in.msgs[0].EventName)
}

func TestWebhook_BodyReadErrors(t *testing.T) {
	tr := webhook.New(webhook.Options{MaxBodyBytes: 8})
	require.NoError(t, tr.Bind(t.Context(), "UserRegistered", &capture{}))

	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp := post(t, srv.URL+"/events/UserRegistered", `{"email":"much-too-long@example.com"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodPost, "/events/UserRegistered",
		iotest.ErrReader(errors.New("connection reset")))
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection reset")
}
