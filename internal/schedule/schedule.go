// Package schedule delivers the 24h digest to the configured webhook once a
// day at the configured UTC time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NunoMbM/feedback-digestive-system/internal/digest"
	"github.com/NunoMbM/feedback-digestive-system/internal/notify"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

// DigestHeader prefixes every delivered digest.
const DigestHeader = "🚨 **Daily Feedback Digest**\n\n"

// ValidateTime checks that s is a 24-hour "HH:MM" clock time.
func ValidateTime(s string) error {
	if len(s) != 5 {
		return fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return nil
}

// SettingsStore reads and erases the delivery settings.
type SettingsStore interface {
	GetDeliverySettings(ctx context.Context) (storage.DeliverySettings, error)
	ClearDeliverySettings(ctx context.Context) error
}

// Digester produces digest text.
type Digester interface {
	Generate(ctx context.Context, window digest.Window) (string, error)
}

// Scheduler checks the settings on every tick and delivers when the clock
// reaches the configured minute.
type Scheduler struct {
	settings SettingsStore
	digester Digester
	client   *http.Client
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	lastDelivered string // UTC date of the last delivery
}

// New creates a Scheduler that checks every 30 seconds.
func New(settings SettingsStore, digester Digester) *Scheduler {
	return &Scheduler{
		settings: settings,
		digester: digester,
		client:   &http.Client{Timeout: 15 * time.Second},
		interval: 30 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds, err := s.settings.GetDeliverySettings(ctx)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				s.logger.Error("loading delivery settings", "error", err)
				continue
			}
			if _, err := s.Tick(ctx, s.now(), ds); err != nil {
				s.logger.Warn("scheduled digest delivery failed", "error", err)
			}
		}
	}
}

// Tick delivers the digest if ds is due at now and nothing was delivered yet
// today. It reports whether a delivery happened.
func (s *Scheduler) Tick(ctx context.Context, now time.Time, ds storage.DeliverySettings) (bool, error) {
	if ds.WebhookURL == "" {
		return false, nil
	}
	now = now.UTC()
	today := now.Format(time.DateOnly)
	if now.Format("15:04") != ds.ScheduleTime || s.lastDelivered == today {
		return false, nil
	}

	if err := s.send(ctx, ds); err != nil {
		return false, err
	}
	// Marked before erasing so a failed erase cannot repeat the post.
	s.lastDelivered = today
	return true, s.erase(ctx, ds)
}

// send posts the current 24h digest to ds.WebhookURL.
func (s *Scheduler) send(ctx context.Context, ds storage.DeliverySettings) error {
	summary, err := s.digester.Generate(ctx, digest.Window24h)
	if err != nil {
		return fmt.Errorf("building digest: %w", err)
	}
	if err := notify.Post(ctx, s.client, ds.WebhookURL, DigestHeader+summary); err != nil {
		return fmt.Errorf("delivering digest: %w", err)
	}
	s.logger.Info("daily digest delivered")
	return nil
}

// erase clears the settings when privacy mode asked for it.
func (s *Scheduler) erase(ctx context.Context, ds storage.DeliverySettings) error {
	if !ds.EraseAfter {
		return nil
	}
	if err := s.settings.ClearDeliverySettings(ctx); err != nil {
		return fmt.Errorf("erasing delivery settings: %w", err)
	}
	s.logger.Info("delivery settings erased")
	return nil
}
