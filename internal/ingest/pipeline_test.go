package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/NunoMbM/feedback-digestive-system/internal/stepengine"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
	"github.com/NunoMbM/feedback-digestive-system/internal/vectorindex"
)

type mockInference struct {
	classifyFn func(ctx context.Context, message string) (string, error)
	embedFn    func(ctx context.Context, text string) ([]float32, error)

	mu          sync.Mutex
	classifyCnt int
	embedCnt    int
}

func (m *mockInference) Classify(ctx context.Context, message string) (string, error) {
	m.mu.Lock()
	m.classifyCnt++
	m.mu.Unlock()
	return m.classifyFn(ctx, message)
}

func (m *mockInference) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.embedCnt++
	m.mu.Unlock()
	if m.embedFn == nil {
		return []float32{0.1, 0.2, 0.3}, nil
	}
	return m.embedFn(ctx, text)
}

func classifyReturning(raw string) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return raw, nil }
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, m string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

// flakyVectors fails the first failN upserts.
type flakyVectors struct {
	next  VectorUpserter
	failN int
	calls int
}

func (f *flakyVectors) Upsert(ctx context.Context, entries []vectorindex.Entry) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("vector index unavailable")
	}
	return f.next.Upsert(ctx, entries)
}

type harness struct {
	store   *storage.Store
	vectors *vectorindex.SQLiteIndex
	llm     *mockInference
	alerts  *recordingNotifier
	pipe    *Pipeline
	engine  *stepengine.Engine
}

func newHarness(t *testing.T, llm *mockInference, vectors VectorUpserter) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s, vectors: vectorindex.NewSQLite(s.DB()), llm: llm, alerts: &recordingNotifier{}}
	if vectors == nil {
		vectors = h.vectors
	}
	if f, ok := vectors.(*flakyVectors); ok && f.next == nil {
		f.next = h.vectors
	}
	h.pipe = NewPipeline(s, vectors, llm, h.alerts)
	h.engine = stepengine.New(s, stepengine.Options{MaxAttempts: 3, StepTimeout: time.Second})
	h.engine.Register(h.pipe.Workflow())
	return h
}

// drive claims and executes runs until none are due.
func (h *harness) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		run, err := h.store.ClaimNextRun(ctx, []string{WorkflowName})
		if err != nil {
			t.Fatalf("ClaimNextRun: %v", err)
		}
		if run == nil {
			return
		}
		if _, err := h.engine.Execute(ctx, *run); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	t.Fatal("runs never drained")
}

func (h *harness) submit(t *testing.T, source, message string) string {
	t.Helper()
	id, err := h.pipe.Submit(context.Background(), FeedbackSubmission{Source: source, Message: message})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, &mockInference{classifyFn: classifyReturning("{}")}, nil)
	ctx := context.Background()

	if _, err := h.pipe.Submit(ctx, FeedbackSubmission{Source: "app", Message: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}

	id, err := h.pipe.Submit(ctx, FeedbackSubmission{Message: "hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Workflow != WorkflowName || run.Status != storage.RunPending {
		t.Errorf("run = %s/%s", run.Workflow, run.Status)
	}
	var s FeedbackSubmission
	json.Unmarshal([]byte(run.PayloadJSON), &s)
	if s.Source != "unknown" || s.Message != "hello" {
		t.Errorf("payload = %+v, want source defaulted to unknown", s)
	}
}

func TestPipeline_SecurityRiskEndToEnd(t *testing.T) {
	llm := &mockInference{classifyFn: classifyReturning(`{"sentiment":"negative","category":"Security","is_security_risk":true}`)}
	h := newHarness(t, llm, nil)
	ctx := context.Background()

	runID := h.submit(t, "twitter", "I found my password leaked online, is this a breach?")
	h.drive(t)

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunCompleted {
		t.Fatalf("run status = %s (%s)", run.Status, run.LastError)
	}
	var res Result
	if err := json.Unmarshal([]byte(run.ResultJSON), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.Status != "processed" || !res.Analysis.IsSecurityRisk || res.FeedbackID == 0 {
		t.Errorf("result = %+v", res)
	}

	if len(h.alerts.msgs) != 1 || h.alerts.msgs[0] != "SECURITY ALERT: I found my password leaked online, is this a breach?" {
		t.Errorf("alerts = %v, want exactly one", h.alerts.msgs)
	}

	n, _ := h.store.CountFeedback(ctx)
	if n != 1 {
		t.Errorf("feedback rows = %d, want 1", n)
	}
	rec, err := h.store.GetFeedback(ctx, res.FeedbackID)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if rec.Source != "twitter" || rec.Category != "Security" || rec.Sentiment != "negative" || !rec.IsSecurityRisk {
		t.Errorf("record = %+v", rec)
	}

	entry, err := h.vectors.Get(ctx, strconv.FormatInt(res.FeedbackID, 10))
	if err != nil {
		t.Fatalf("vector Get: %v", err)
	}
	if entry.Metadata.Category != rec.Category || entry.Metadata.Sentiment != rec.Sentiment {
		t.Errorf("vector metadata %+v does not match record %s/%s", entry.Metadata, rec.Category, rec.Sentiment)
	}
	if vc, _ := h.vectors.Count(ctx); vc != 1 {
		t.Errorf("vector count = %d, want 1", vc)
	}
}

func TestPipeline_NotRiskySkipsAlert(t *testing.T) {
	h := newHarness(t, &mockInference{classifyFn: classifyReturning(`{"sentiment":"positive","category":"Praise","is_security_risk":false}`)}, nil)
	runID := h.submit(t, "twitter", "Best tool all year")
	h.drive(t)

	if len(h.alerts.msgs) != 0 {
		t.Errorf("alerts = %v, want none", h.alerts.msgs)
	}
	steps, _ := h.store.RunSteps(context.Background(), runID)
	if len(steps) != 4 || steps[1].Name != StepAlert || steps[1].Status != storage.StepSkipped {
		t.Errorf("steps = %+v, want alert skipped", steps)
	}
}

func TestPipeline_ClassifyNeverFails(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, string) (string, error)
	}{
		{"not json", classifyReturning("not json at all")},
		{"empty", classifyReturning("")},
		{"inference error", func(context.Context, string) (string, error) { return "", errors.New("model offline") }},
		{"timeout", func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &mockInference{classifyFn: tt.fn}, nil)
			if tt.name == "timeout" {
				h.engine = stepengine.New(h.store, stepengine.Options{MaxAttempts: 3, StepTimeout: 20 * time.Millisecond})
				h.engine.Register(h.pipe.Workflow())
			}
			runID := h.submit(t, "app", "some feedback")
			h.drive(t)

			run, _ := h.store.GetRun(context.Background(), runID)
			if run.Status != storage.RunCompleted {
				t.Fatalf("status = %s (%s), want completed", run.Status, run.LastError)
			}
			recs, _ := h.store.ListFeedbackSince(context.Background(), time.Time{})
			if len(recs) != 1 {
				t.Fatalf("records = %d, want 1", len(recs))
			}
			r := recs[0]
			if r.Sentiment != "neutral" || r.Category != "Unclassified" || r.IsSecurityRisk {
				t.Errorf("record = %+v, want default analysis", r)
			}
		})
	}
}

func TestPipeline_EmbedFailureExhaustsWithoutWrites(t *testing.T) {
	llm := &mockInference{
		classifyFn: classifyReturning(`{"sentiment":"negative","category":"Bug","is_security_risk":false}`),
		embedFn: func(context.Context, string) ([]float32, error) {
			return nil, errors.New("embedding model missing")
		},
	}
	h := newHarness(t, llm, nil)
	ctx := context.Background()
	runID := h.submit(t, "app", "crash on upload")
	h.drive(t)

	run, _ := h.store.GetRun(ctx, runID)
	if run.Status != storage.RunFailed || run.FailedStep != StepEmbed {
		t.Errorf("run = %s/%s, want failed at embed", run.Status, run.FailedStep)
	}
	if llm.classifyCnt != 1 {
		t.Errorf("classify ran %d times, want 1", llm.classifyCnt)
	}
	if llm.embedCnt != 3 {
		t.Errorf("embed ran %d times, want 3", llm.embedCnt)
	}
	if n, _ := h.store.CountFeedback(ctx); n != 0 {
		t.Errorf("feedback rows = %d, want 0", n)
	}
	if n, _ := h.vectors.Count(ctx); n != 0 {
		t.Errorf("vectors = %d, want 0", n)
	}
}

func TestPipeline_PersistRetryAfterPartialWrite(t *testing.T) {
	llm := &mockInference{classifyFn: classifyReturning(`{"sentiment":"neutral","category":"UI","is_security_risk":false}`)}
	flaky := &flakyVectors{failN: 1}
	h := newHarness(t, llm, flaky)
	ctx := context.Background()
	runID := h.submit(t, "app", "dark mode broken")
	h.drive(t)

	run, _ := h.store.GetRun(ctx, runID)
	if run.Status != storage.RunCompleted {
		t.Fatalf("status = %s (%s)", run.Status, run.LastError)
	}
	if llm.embedCnt != 1 {
		t.Errorf("embed re-ran on persist retry: %d calls", llm.embedCnt)
	}
	// The first attempt inserted a row before the upsert failed.
	if n, _ := h.store.CountFeedback(ctx); n != 2 {
		t.Errorf("feedback rows = %d, want 2 (at-least-once insert)", n)
	}
	if n, _ := h.vectors.Count(ctx); n != 1 {
		t.Errorf("vectors = %d, want 1", n)
	}

	var res Result
	json.Unmarshal([]byte(run.ResultJSON), &res)
	if _, err := h.vectors.Get(ctx, strconv.FormatInt(res.FeedbackID, 10)); err != nil {
		t.Errorf("vector for result id %d: %v", res.FeedbackID, err)
	}
}

func TestPipeline_AlertFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, &mockInference{classifyFn: classifyReturning(`{"sentiment":"negative","category":"Security","is_security_risk":true}`)}, nil)
	h.alerts.err = errors.New("webhook down")
	runID := h.submit(t, "email", "login bypass via URL params")
	h.drive(t)

	run, _ := h.store.GetRun(context.Background(), runID)
	if run.Status != storage.RunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if len(h.alerts.msgs) != 1 {
		t.Errorf("alert attempts = %d, want 1", len(h.alerts.msgs))
	}
}
