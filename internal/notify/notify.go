// Package notify delivers human-readable update progress messages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"
)

// Stage identifies a pipeline transition.
type Stage string

const (
	StageUpdateFound  Stage = "update_found"
	StageUpToDate     Stage = "up_to_date"
	StageInstalling   Stage = "installing"
	StageDependencies Stage = "dependencies"
	StageRestarting   Stage = "restarting"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Event is one notification.
type Event struct {
	Stage   Stage
	Message string
	Err     error
	Time    time.Time
}

// Text renders the event as a single human-readable line.
func (e Event) Text() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

// Notifier receives pipeline events. Delivery failures are handled by the
// implementation and never surface to the pipeline.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Log writes events to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Notify logs the event, at error level for failures.
func (l *Log) Notify(ctx context.Context, ev Event) {
	attrs := []any{"stage", string(ev.Stage)}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
		l.logger.ErrorContext(ctx, ev.Text(), attrs...)
		return
	}
	l.logger.InfoContext(ctx, ev.Text(), attrs...)
}

// Writer prints one line per event.
type Writer struct {
	mu stdsync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer notifier.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Notify writes the event text followed by a newline.
func (w *Writer) Notify(_ context.Context, ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = fmt.Fprintln(w.w, ev.Text())
}

// Webhook POSTs events as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

type webhookPayload struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// NewWebhook creates a Webhook notifier with a per-request timeout.
func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Notify sends the event. Failures are logged.
func (w *Webhook) Notify(ctx context.Context, ev Event) {
	p := webhookPayload{
		Stage:   string(ev.Stage),
		Message: ev.Text(),
		Time:    ev.Time,
	}
	if p.Time.IsZero() {
		p.Time = time.Now().UTC()
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}

	body, err := json.Marshal(p)
	if err != nil {
		w.logger.Warn("failed to encode notification", "error", err)
		return
	}

	// delivery must not be cut short by a cancelled pipeline context
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("failed to create notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("notification delivery failed", "stage", p.Stage, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.logger.Warn("notification endpoint rejected event", "stage", p.Stage, "status", resp.StatusCode)
	}
}

// Multi fans events out to several notifiers in order.
type Multi []Notifier

// Notify forwards ev to every notifier.
func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) {}
