// Package telemetry delivers billing business events to a PostHog-compatible
// analytics endpoint.
//
// Each event is sent as a batch of two messages: a $groupidentify for the
// organization (carrying its name) followed by the capture itself, grouped
// under that organization. Delivery is asynchronous and best effort. A full
// queue drops events and a failed request is logged at debug level; neither
// ever reaches the billing path.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/billing-reconciler/internal/metrics"
	"github.com/rcourtman/billing-reconciler/internal/reconcile"
)

const (
	// DefaultHost is the PostHog US ingestion host.
	DefaultHost = "https://us.i.posthog.com"

	// DefaultQueueSize bounds the number of events waiting for delivery.
	DefaultQueueSize = 256

	// httpTimeout is the maximum time for a single batch request.
	httpTimeout = 10 * time.Second

	groupType = "organization"
)

// Config holds the emitter configuration.
type Config struct {
	APIKey    string
	Host      string
	QueueSize int
	// Client overrides the HTTP client. Nil uses a client with a cached DNS
	// dialer.
	Client *http.Client
}

// message is one PostHog ingestion message.
type message struct {
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
	UUID       string         `json:"uuid"`
}

type batch struct {
	APIKey string    `json:"api_key"`
	Batch  []message `json:"batch"`
}

// Emitter queues events and delivers them from a single background worker.
// It implements reconcile.Telemetry.
type Emitter struct {
	apiKey   string
	endpoint string
	client   *http.Client
	now      func() time.Time

	queue  chan reconcile.TelemetryEvent
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

var _ reconcile.Telemetry = (*Emitter)(nil)

// NewEmitter starts an Emitter. Call Close on shutdown to flush queued events.
func NewEmitter(cfg Config) (*Emitter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("telemetry API key is required")
	}
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = DefaultHost
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	client := cfg.Client
	if client == nil {
		client = newHTTPClient()
	}

	e := &Emitter{
		apiKey:   cfg.APIKey,
		endpoint: host + "/batch/",
		client:   client,
		now:      time.Now,
		queue:    make(chan reconcile.TelemetryEvent, size),
	}
	e.wg.Add(1)
	go e.run()

	log.Info().Str("host", host).Int("queue", size).Msg("Billing telemetry enabled")
	return e, nil
}

// Track enqueues ev without blocking. Events are dropped when the queue is
// full or the emitter is closed.
func (e *Emitter) Track(_ context.Context, ev reconcile.TelemetryEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ev, "Telemetry emitter closed, event dropped")
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.drop(ev, "Telemetry queue full, event dropped")
	}
}

func (e *Emitter) drop(ev reconcile.TelemetryEvent, msg string) {
	metrics.TelemetryEventsTotal.WithLabelValues("dropped").Inc()
	log.Debug().Str("telemetry_event", ev.Name).Str("organization_id", ev.OrganizationID).Msg(msg)
}

// Close stops accepting events and waits for queued events to be sent. It
// is safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for ev := range e.queue {
		if err := e.send(context.Background(), ev); err != nil {
			metrics.TelemetryEventsTotal.WithLabelValues("failed").Inc()
			log.Debug().Err(err).Str("telemetry_event", ev.Name).Msg("Telemetry delivery failed")
			continue
		}
		metrics.TelemetryEventsTotal.WithLabelValues("sent").Inc()
	}
}

func (e *Emitter) send(ctx context.Context, ev reconcile.TelemetryEvent) error {
	body, err := json.Marshal(e.buildBatch(ev))
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (e *Emitter) buildBatch(ev reconcile.TelemetryEvent) batch {
	ts := e.now().UTC()

	props := make(map[string]any, len(ev.Properties)+1)
	for k, v := range ev.Properties {
		props[k] = v
	}
	props["$groups"] = map[string]string{groupType: ev.OrganizationID}

	return batch{
		APIKey: e.apiKey,
		Batch: []message{
			{
				Event:      "$groupidentify",
				DistinctID: groupType,
				Properties: map[string]any{
					"$group_type": groupType,
					"$group_key":  ev.OrganizationID,
					"$group_set":  map[string]any{"name": ev.OrganizationName},
				},
				Timestamp: ts,
				UUID:      uuid.NewString(),
			},
			{
				Event:      ev.Name,
				DistinctID: groupType,
				Properties: props,
				Timestamp:  ts,
				UUID:       uuid.NewString(),
			},
		},
	}
}
