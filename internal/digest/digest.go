// Package digest summarises recent feedback into themed plain text.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

// Window selects how far back a digest looks.
type Window string

const (
	Window24h Window = "24h"
	WindowAll Window = "all"
)

// NoFeedbackMessage is returned when the window holds no feedback.
const NoFeedbackMessage = "No feedback found for this time range."

// ErrInvalidWindow is returned for window strings other than 24h and all.
var ErrInvalidWindow = errors.New("invalid digest window (want 24h or all)")

// ParseWindow validates s. An empty string means 24h.
func ParseWindow(s string) (Window, error) {
	switch Window(strings.ToLower(strings.TrimSpace(s))) {
	case "", Window24h:
		return Window24h, nil
	case WindowAll:
		return WindowAll, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidWindow, s)
}

// Label is the human readable range used in the prompt.
func (w Window) Label() string {
	if w == WindowAll {
		return "All Time History"
	}
	return "Last 24 Hours"
}

// FeedbackLister reads feedback rows created at or after since. A zero since
// means no lower bound.
type FeedbackLister interface {
	ListFeedbackSince(ctx context.Context, since time.Time) ([]storage.FeedbackRecord, error)
}

// TextGenerator produces free text from a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Generator builds digests on demand. It holds no state between calls.
type Generator struct {
	store FeedbackLister
	llm   TextGenerator
	now   func() time.Time
}

// New creates a Generator.
func New(store FeedbackLister, llm TextGenerator) *Generator {
	return &Generator{store: store, llm: llm, now: time.Now}
}

// Generate returns the model's themed summary of the feedback in window,
// verbatim, or NoFeedbackMessage when there is none.
func (g *Generator) Generate(ctx context.Context, window Window) (string, error) {
	var since time.Time
	switch window {
	case Window24h:
		since = g.now().Add(-24 * time.Hour)
	case WindowAll:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWindow, window)
	}

	records, err := g.store.ListFeedbackSince(ctx, since)
	if err != nil {
		return "", fmt.Errorf("loading feedback: %w", err)
	}
	if len(records) == 0 {
		return NoFeedbackMessage, nil
	}

	summary, err := g.llm.Generate(ctx, BuildPrompt(window, records))
	if err != nil {
		return "", fmt.Errorf("generating digest: %w", err)
	}
	return summary, nil
}

// BuildPrompt renders records as "- [category] content" lines inside the
// theme grouping instruction.
func BuildPrompt(window Window, records []storage.FeedbackRecord) string {
	var b strings.Builder
	b.WriteString(`You are a Product Manager Assistant.
Analyze the following feedback data.

Group feedback by Key Themes.
Report the data in this format:
    Theme: <Theme Name> (Count: X)
    Summary: <Brief summary of the feedbacks in this theme>
    Sentiment: <Overall sentiment of this theme>

Note if a feedback doesn't fit any theme, categorize it under "Other".

`)
	fmt.Fprintf(&b, "Time Range: %s\n\nData:\n", window.Label())
	for _, r := range records {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Category, r.Content)
	}
	return b.String()
}
