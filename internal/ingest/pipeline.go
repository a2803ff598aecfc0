// Package ingest turns feedback submissions into classified, embedded and
// persisted records by way of a durable four-step workflow.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/NunoMbM/feedback-digestive-system/internal/notify"
	"github.com/NunoMbM/feedback-digestive-system/internal/stepengine"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
	"github.com/NunoMbM/feedback-digestive-system/internal/vectorindex"
)

// WorkflowName is the name ingestion runs are enqueued under.
const WorkflowName = "ingest"

// Step names, in execution order.
const (
	StepClassify = "classify"
	StepAlert    = "alert-if-risky"
	StepEmbed    = "embed"
	StepPersist  = "persist"
)

// ErrEmptyMessage is returned by Submit when the message is blank.
var ErrEmptyMessage = errors.New("feedback message is required")

// FeedbackSubmission is the immutable input of one run.
type FeedbackSubmission struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Result is the terminal result of a completed run.
type Result struct {
	Status     string   `json:"status"`
	Analysis   Analysis `json:"analysis"`
	FeedbackID int64    `json:"feedback_id"`
}

// Inference is the subset of the inference client the pipeline calls.
type Inference interface {
	Classify(ctx context.Context, message string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FeedbackStore persists feedback rows and enqueues runs.
type FeedbackStore interface {
	InsertFeedback(ctx context.Context, rec storage.FeedbackRecord) (int64, error)
	EnqueueRun(ctx context.Context, run storage.Run) error
}

// VectorUpserter writes vector entries.
type VectorUpserter interface {
	Upsert(ctx context.Context, entries []vectorindex.Entry) error
}

// Pipeline owns the ingestion steps and their collaborators.
type Pipeline struct {
	store    FeedbackStore
	vectors  VectorUpserter
	llm      Inference
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. notifier may be nil, in which case risky
// feedback is only logged.
func NewPipeline(store FeedbackStore, vectors VectorUpserter, llm Inference, notifier notify.Notifier) *Pipeline {
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Pipeline{
		store:    store,
		vectors:  vectors,
		llm:      llm,
		notifier: notifier,
		logger:   slog.Default(),
	}
}

// Submit validates s and enqueues an ingestion run. The returned tracking id
// is the run id, not the eventual feedback id.
func (p *Pipeline) Submit(ctx context.Context, s FeedbackSubmission) (string, error) {
	s.Message = strings.TrimSpace(s.Message)
	s.Source = strings.TrimSpace(s.Source)
	if s.Message == "" {
		return "", ErrEmptyMessage
	}
	if s.Source == "" {
		s.Source = "unknown"
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding submission: %w", err)
	}
	id := uuid.New().String()
	if err := p.store.EnqueueRun(ctx, storage.Run{ID: id, Workflow: WorkflowName, PayloadJSON: string(payload)}); err != nil {
		return "", fmt.Errorf("enqueueing ingest run: %w", err)
	}
	p.logger.Debug("feedback queued", "run_id", id, "source", s.Source)
	return id, nil
}

// Workflow returns the step definitions to register with the engine.
func (p *Pipeline) Workflow() stepengine.Workflow {
	return stepengine.Workflow{
		Name: WorkflowName,
		Steps: []stepengine.Step{
			{Name: StepClassify, Fn: p.classify},
			{Name: StepAlert, Fn: p.alert, When: isRisky},
			{Name: StepEmbed, Fn: p.embed},
			{Name: StepPersist, Fn: p.persist},
		},
	}
}

func decodeSubmission(payload json.RawMessage) (FeedbackSubmission, error) {
	var s FeedbackSubmission
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("decoding submission: %w", err)
	}
	return s, nil
}

// classify is best effort: model errors, step timeouts and malformed output
// all produce DefaultAnalysis. Only shutdown is reported as an error, so the
// run is resumed instead of committing a default it never tried to earn.
func (p *Pipeline) classify(ctx context.Context, payload json.RawMessage, _ stepengine.Results) (any, error) {
	s, err := decodeSubmission(payload)
	if err != nil {
		return nil, err
	}

	raw, err := p.llm.Classify(ctx, s.Message)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		p.logger.Warn("classification failed, using default", "error", err)
		return DefaultAnalysis(), nil
	}
	return ParseAnalysis(raw), nil
}

func isRisky(_ json.RawMessage, results stepengine.Results) bool {
	var a Analysis
	if err := results.Decode(StepClassify, &a); err != nil {
		return false
	}
	return a.IsSecurityRisk
}

func (p *Pipeline) alert(ctx context.Context, payload json.RawMessage, _ stepengine.Results) (any, error) {
	s, err := decodeSubmission(payload)
	if err != nil {
		return nil, err
	}
	notify.FireAndLog(ctx, p.notifier, "SECURITY ALERT: "+s.Message)
	return map[string]bool{"alerted": true}, nil
}

func (p *Pipeline) embed(ctx context.Context, payload json.RawMessage, _ stepengine.Results) (any, error) {
	s, err := decodeSubmission(payload)
	if err != nil {
		return nil, err
	}
	vec, err := p.llm.Embed(ctx, s.Message)
	if err != nil {
		return nil, fmt.Errorf("embedding feedback: %w", err)
	}
	if len(vec) == 0 {
		return nil, errors.New("embedding feedback: empty vector")
	}
	return vec, nil
}

// persist writes the relational row first so the vector is keyed by a known
// id. A retry after the insert but before the upsert inserts a second row.
func (p *Pipeline) persist(ctx context.Context, payload json.RawMessage, results stepengine.Results) (any, error) {
	s, err := decodeSubmission(payload)
	if err != nil {
		return nil, err
	}
	var a Analysis
	if err := results.Decode(StepClassify, &a); err != nil {
		return nil, err
	}
	var vec []float32
	if err := results.Decode(StepEmbed, &vec); err != nil {
		return nil, err
	}

	id, err := p.store.InsertFeedback(ctx, storage.FeedbackRecord{
		Source:         s.Source,
		Content:        s.Message,
		Sentiment:      a.Sentiment,
		Category:       a.Category,
		IsSecurityRisk: a.IsSecurityRisk,
	})
	if err != nil {
		return nil, fmt.Errorf("saving feedback: %w", err)
	}
	if id <= 0 {
		return nil, errors.New("saving feedback: no id returned")
	}

	entry := vectorindex.Entry{
		ID:       strconv.FormatInt(id, 10),
		Values:   vec,
		Metadata: vectorindex.Metadata{Category: a.Category, Sentiment: a.Sentiment},
	}
	if err := p.vectors.Upsert(ctx, []vectorindex.Entry{entry}); err != nil {
		return nil, fmt.Errorf("indexing feedback %d: %w", id, err)
	}

	return Result{Status: "processed", Analysis: a, FeedbackID: id}, nil
}
