// Package webhook provides an HTTP push transport for the event bus.
//
// Inbound events arrive as POST /events/{key} on the router returned by Handler. Outbound
// events are posted to the same path on every configured endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/servicebus"
)

const DefaultMaxBodyBytes = 4 << 20

type Options struct {
	// Endpoints are base URLs receiving published events.
	Endpoints    []string
	Client       *http.Client
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Transport implements servicebus.Transport over HTTP.
type Transport struct {
	endpoints []string
	client    *http.Client
	maxBody   int64
	logger    *slog.Logger

	mu       sync.RWMutex
	bindings map[string]servicebus.Inbound
}

var _ servicebus.Transport = (*Transport)(nil)

func New(o Options) *Transport {
	client := o.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	maxBody := o.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	endpoints := make([]string, 0, len(o.Endpoints))
	for _, e := range o.Endpoints {
		if e = strings.TrimRight(strings.TrimSpace(e), "/"); e != "" {
			endpoints = append(endpoints, e)
		}
	}

	return &Transport{
		endpoints: endpoints,
		client:    client,
		maxBody:   maxBody,
		logger:    observability.ForTransport(o.Logger, "webhook", ""),
		bindings:  make(map[string]servicebus.Inbound),
	}
}

// Handler returns the ingress router.
func (t *Transport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", t.handleHealth)
	r.Get("/events", t.handleListKeys)
	r.Post("/events/{key}", t.handleEvent)

	return r
}

func (t *Transport) Publish(ctx context.Context, m servicebus.Message) error {
	if len(t.endpoints) == 0 {
		return fmt.Errorf("webhook publish %s: no endpoints: %w", m.RoutingKey, berr.ErrPublishFailed)
	}

	var errs []error

	for _, ep := range t.endpoints {
		if err := t.post(ctx, ep, m); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("webhook publish %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, errors.Join(errs...)))
	}

	return nil
}

func (t *Transport) post(ctx context.Context, endpoint string, m servicebus.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/events/"+url.PathEscape(m.RoutingKey), bytes.NewReader(m.Body))
	if err != nil {
		return err
	}

	if m.ContentType != "" {
		req.Header.Set("Content-Type", m.ContentType)
	}

	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}

	return nil
}

func (t *Transport) Bind(_ context.Context, key string, in servicebus.Inbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bindings[key] = in

	return nil
}

func (t *Transport) Unbind(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.bindings, key)

	return nil
}

// Close drops every binding; later requests are answered with 404.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.bindings)

	return nil
}

func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (t *Transport) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	t.mu.RLock()
	keys := make([]string, 0, len(t.bindings))
	for k := range t.bindings {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	slices.Sort(keys)
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (t *Transport) handleEvent(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed event key")
		return
	}

	t.mu.RLock()
	in, ok := t.bindings[key]
	t.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "no subscription for "+key)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}

		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}

	processed, err := in.ProcessMessage(r.Context(), servicebus.InboundMessage{
		EventName: servicebus.EventNameOf(headers, key),
		Body:      body,
		Headers:   headers,
	})

	switch {
	case err == nil && processed:
		w.WriteHeader(http.StatusAccepted)
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, berr.ErrDeserializationFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		t.logger.WarnContext(r.Context(), "webhook delivery failed",
			slog.String("key", key),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "handler failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
