package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/billing-reconciler/internal/dedupe"
	"github.com/rcourtman/billing-reconciler/internal/metrics"
	"github.com/rcourtman/billing-reconciler/internal/reconcile"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Dispatcher applies a decoded event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev reconcile.Event) (reconcile.Outcome, error)
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret     string
	dispatcher Dispatcher
	deduper    *dedupe.Deduper
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, dispatcher Dispatcher, deduper *dedupe.Deduper) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		dispatcher: dispatcher,
		deduper:    deduper,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	duplicate, err := h.HandleEvent(r.Context(), &event)
	switch {
	case errors.Is(err, dedupe.ErrInFlight):
		log.Warn().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook already in flight")
		status = http.StatusConflict
		writeJSON(w, status, webhookErrorResponse{Error: "event is already being processed"})
	case err != nil:
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "Webhook error: " + err.Error()})
	case duplicate:
		log.Info().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook duplicate ignored")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Duplicate: true})
	default:
		writeJSON(w, status, webhookReceivedResponse{Received: true})
	}
}

// HandleEvent decodes a verified event and applies it at most once.
// duplicate reports that the event ID was already processed.
func (h *WebhookHandler) HandleEvent(ctx context.Context, event *stripelib.Event) (duplicate bool, err error) {
	if event == nil || event.Data == nil {
		return false, errors.New("event has no data")
	}
	ev, err := reconcile.ParseEvent(event.ID, string(event.Type), event.Data.Raw)
	if err != nil {
		return false, err
	}
	return h.deduper.Do(ctx, event.ID, string(event.Type), func(ctx context.Context) error {
		_, err := h.dispatcher.Dispatch(ctx, ev)
		return err
	})
}

// DecodeEvent parses a stored event without signature verification, for
// operator replay of events already trusted.
func DecodeEvent(data []byte) (*stripelib.Event, error) {
	var event stripelib.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(event.ID) == "" || event.Type == "" {
		return nil, errors.New("event id and type are required")
	}
	return &event, nil
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("stripe: encode webhook response")
	}
}
