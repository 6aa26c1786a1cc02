package observability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// ingestionPath is the batched ingestion API path.
	ingestionPath = "/api/ingestion"

	// flushInterval is how often the background goroutine flushes events.
	flushInterval = 5 * time.Second

	// maxBatchSize is the maximum number of events to send in one request.
	maxBatchSize = 50

	// eventBufferSize is the channel buffer size for incoming events.
	eventBufferSize = 1024
)

// ExporterConfig holds connection parameters for the HTTP exporter.
type ExporterConfig struct {
	BaseURL   string
	PublicKey string
	SecretKey string
}

// ingestionEvent is one element of an exported batch.
type ingestionEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Body      map[string]interface{} `json:"body"`
}

// HTTPTracer sends task lifecycle events to an ingestion endpoint using
// batched HTTP requests. Events are buffered in a channel and flushed
// periodically or on explicit Flush calls; a full buffer drops events
// rather than blocking the controller.
type HTTPTracer struct {
	config     ExporterConfig
	authHeader string
	client     *http.Client
	events     chan ingestionEvent
	logger     *log.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	flushMu  sync.Mutex
}

// NewHTTPTracer creates an HTTPTracer and starts its background flush
// goroutine. Call Stop to ensure all events are sent.
func NewHTTPTracer(cfg ExporterConfig, logger *log.Logger) *HTTPTracer {
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.PublicKey + ":" + cfg.SecretKey))

	t := &HTTPTracer{
		config:     cfg,
		authHeader: "Basic " + auth,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan ingestionEvent, eventBufferSize),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.flushLoop()

	return t
}

func (t *HTTPTracer) StartTask(taskID string, opts TaskOptions) {
	t.enqueue("task-create", map[string]interface{}{
		"id":          taskID,
		"fingerprint": opts.Fingerprint,
		"strategy":    opts.Strategy,
		"mode":        opts.Mode,
	})
}

func (t *HTTPTracer) RecordGeneration(taskID string, gen GenerationInput) {
	t.enqueue("generation", map[string]interface{}{
		"task_id":     taskID,
		"action":      gen.Action,
		"model":       gen.Model,
		"input":       gen.Prompt,
		"output":      gen.Output,
		"status":      gen.Status,
		"duration_ms": gen.DurationMs,
	})
}

func (t *HTTPTracer) RecordSkipped(taskID, component, reason string) {
	t.enqueue("skipped", map[string]interface{}{
		"task_id":   taskID,
		"component": component,
		"reason":    reason,
	})
}

func (t *HTTPTracer) RecordGate(taskID, gate, outcome string) {
	t.enqueue("gate", map[string]interface{}{
		"task_id": taskID,
		"gate":    gate,
		"outcome": outcome,
	})
}

func (t *HTTPTracer) CompleteTask(taskID, status string) {
	t.enqueue("task-complete", map[string]interface{}{
		"id":     taskID,
		"status": status,
	})
}

func (t *HTTPTracer) enqueue(eventType string, body map[string]interface{}) {
	evt := ingestionEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Body:      body,
	}
	select {
	case t.events <- evt:
	default:
		// Buffer full. Dropping is preferable to blocking the task.
		if t.logger != nil {
			t.logger.Printf("observability: event buffer full, dropping %s event", eventType)
		}
	}
}

// flushLoop periodically drains the event channel.
func (t *HTTPTracer) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.drain(context.Background())
		case <-t.stopCh:
			t.drain(context.Background())
			return
		}
	}
}

// drain sends all currently buffered events in batches.
func (t *HTTPTracer) drain(ctx context.Context) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	for {
		batch := t.collectBatch()
		if len(batch) == 0 {
			return
		}
		if err := t.send(ctx, batch); err != nil && t.logger != nil {
			t.logger.Printf("observability: failed to send batch of %d events: %v", len(batch), err)
		}
	}
}

func (t *HTTPTracer) collectBatch() []ingestionEvent {
	var batch []ingestionEvent
	for len(batch) < maxBatchSize {
		select {
		case evt := <-t.events:
			batch = append(batch, evt)
		default:
			return batch
		}
	}
	return batch
}

func (t *HTTPTracer) send(ctx context.Context, batch []ingestionEvent) error {
	payload, err := json.Marshal(map[string]interface{}{"batch": batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+ingestionPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", t.authHeader)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ingestion returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Flush drains all buffered events immediately.
func (t *HTTPTracer) Flush(ctx context.Context) error {
	t.drain(ctx)
	return nil
}

// Stop shuts down the tracer, flushing buffered events first.
func (t *HTTPTracer) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
	t.drain(ctx)
	return nil
}
