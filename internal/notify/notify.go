// Package notify delivers best-effort notifications: security alerts raised
// during ingestion and the scheduled digest.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Notifier sends one message. Implementations may return before delivery
// completes.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// FireAndLog sends message through n and logs, rather than returns, any
// failure.
func FireAndLog(ctx context.Context, n Notifier, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, message); err != nil {
		slog.Warn("notification failed", "error", err)
	}
}

// Log writes notifications to a slog logger.
type Log struct {
	Logger *slog.Logger
}

// Notify logs message at warn level. It never fails.
func (l Log) Notify(_ context.Context, message string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(message)
	return nil
}

// Webhook posts {"content": message} to a Discord-compatible webhook URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook creates a Webhook with a 10s HTTP timeout.
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify posts message to the webhook.
func (w *Webhook) Notify(ctx context.Context, message string) error {
	return Post(ctx, w.Client, w.URL, message)
}

// Post sends a single webhook message and checks for a 2xx response.
func Post(ctx context.Context, client *http.Client, url, content string) error {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a message out to several notifiers, returning the first error
// after trying all of them.
type Multi []Notifier

// Notify sends message to every notifier in m.
func (m Multi) Notify(ctx context.Context, message string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Async dispatches to the wrapped notifier on a background goroutine so the
// caller never waits for delivery. Failures are logged. Close waits for
// in-flight deliveries.
type Async struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next. Each delivery gets its own timeout, detached from the
// caller's context.
func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Notify queues message for delivery and returns nil at once.
func (a *Async) Notify(ctx context.Context, message string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(dctx, message); err != nil {
			slog.Warn("async notification failed", "error", err)
		}
	}()
	return nil
}

// Close blocks until all dispatched notifications have finished.
func (a *Async) Close() {
	a.wg.Wait()
}
