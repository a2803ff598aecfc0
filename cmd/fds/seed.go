package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type seedItem struct {
	Source  string
	Message string
}

// sampleFeedback covers the categories a digest should group: security
// reports, bugs, feature requests and praise.
var sampleFeedback = []seedItem{
	{"email", "I found a way to bypass the login screen by changing the URL parameters. Urgent fix needed."},
	{"ticket", "My password reset link sent me to a suspicious HTTP page, not HTTPS."},
	{"twitter", "Is your database leaked? I saw my email on a hacker forum."},

	{"app", "The submit button is greyed out on the settings page."},
	{"email", "App crashes every time I try to upload a profile picture."},
	{"ticket", "Dark mode is broken, the text is black on a black background."},

	{"twitter", "Please add a way to export my data to CSV!"},
	{"app", "I would love a mobile app version of this dashboard."},
	{"survey", "Can you integrate with Slack notifications?"},

	{"twitter", "This is the best tool I have used all year. Great job team!"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Submit sample feedback, or one item per line of a PDF",
	Long: `Submit sample feedback, or one item per line of a PDF.

Examples:
  fds seed
  fds seed --pdf ./survey-export.pdf --source survey --parallel 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pdfPath, _ := cmd.Flags().GetString("pdf")
		source, _ := cmd.Flags().GetString("source")
		parallel, _ := cmd.Flags().GetInt("parallel")
		delay, _ := cmd.Flags().GetDuration("delay")

		items := sampleFeedback
		if pdfPath != "" {
			var err error
			items, err = readPDFFeedback(pdfPath, source)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return fmt.Errorf("no text found in %s", pdfPath)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Seeding %d feedback entries...", len(items))
		sent, err := seed(cmd.Context(), client, items, parallel, delay)
		if err != nil {
			return err
		}
		printSuccess("Seeding complete: %d/%d queued", sent, len(items))
		return nil
	},
}

func init() {
	seedCmd.Flags().String("pdf", "", "PDF whose non-empty lines become feedback messages")
	seedCmd.Flags().String("source", "pdf", "source recorded for PDF items")
	seedCmd.Flags().Int("parallel", 1, "concurrent submissions")
	seedCmd.Flags().Duration("delay", time.Second, "pause between submissions of one worker")
}

// seed submits items with at most parallel requests in flight. Individual
// failures are reported and skipped; the count of queued items is returned.
func seed(ctx context.Context, client *apiClient, items []seedItem, parallel int, delay time.Duration) (int, error) {
	if parallel < 1 {
		parallel = 1
	}

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			id, err := submitFeedback(gctx, client, item.Source, item.Message)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				printError("[%d/%d] %s: %v", i+1, len(items), preview(item.Message), err)
			} else {
				sent.Add(1)
				printSuccess("[%d/%d] %s (run %s)", i+1, len(items), preview(item.Message), id)
			}

			if delay > 0 {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(delay):
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return int(sent.Load()), err
}

func preview(s string) string {
	const n = 30
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func readPDFFeedback(path, source string) ([]seedItem, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting pdf text: %w", err)
	}
	return feedbackLines(text, source)
}

// feedbackLines turns each non-blank line of r into a seed item.
func feedbackLines(r io.Reader, source string) ([]seedItem, error) {
	var items []seedItem
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		items = append(items, seedItem{Source: source, Message: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading text: %w", err)
	}
	return items, nil
}
