package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/NunoMbM/feedback-digestive-system/internal/digest"
	"github.com/NunoMbM/feedback-digestive-system/internal/ingest"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
	"github.com/NunoMbM/feedback-digestive-system/internal/vectorindex"
)

type stubLLM struct {
	summary string
	prompts []string
}

func (s *stubLLM) Classify(ctx context.Context, message string) (string, error) {
	return `{"sentiment":"neutral","category":"general","is_security_risk":false}`, nil
}

func (s *stubLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (s *stubLLM) Generate(ctx context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.summary, nil
}

func newTestDeps(t *testing.T) (Deps, *stubLLM) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	llm := &stubLLM{summary: "## Themes\n- onboarding"}
	deps := Deps{
		Store:    store,
		Pipeline: ingest.NewPipeline(store, vectorindex.NewSQLite(store.DB()), llm, nil),
		Digest:   digest.New(store, llm),
	}
	return deps, llm
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error.Type
}

func TestHealth(t *testing.T) {
	deps, _ := newTestDeps(t)
	w := do(t, NewHandler(deps), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSubmitFeedback_Queued(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)

	w := do(t, h, http.MethodPost, "/feedback", `{"source":"email","message":"  the app crashes  "}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("resp = %v", resp)
	}

	run, err := deps.Store.GetRun(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunPending || run.Workflow != ingest.WorkflowName {
		t.Errorf("run = %+v", run)
	}
	if !strings.Contains(run.PayloadJSON, `"the app crashes"`) {
		t.Errorf("payload not trimmed: %s", run.PayloadJSON)
	}
}

func TestSubmitFeedback_Rejects(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing message", `{"source":"web"}`},
		{"blank message", `{"message":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/feedback", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := errorType(t, w); got != "invalid_request_error" {
				t.Errorf("error type = %q", got)
			}
		})
	}

	runs, err := deps.Store.ListRuns(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("rejected submissions enqueued %d runs", len(runs))
	}
}

func TestDigest_Empty(t *testing.T) {
	deps, llm := newTestDeps(t)
	w := do(t, NewHandler(deps), http.MethodGet, "/digest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != digest.NoFeedbackMessage {
		t.Errorf("body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if len(llm.prompts) != 0 {
		t.Error("model called with no feedback")
	}
}

func TestDigest_AllWindow(t *testing.T) {
	deps, llm := newTestDeps(t)
	ctx := context.Background()
	if _, err := deps.Store.InsertFeedback(ctx, storage.FeedbackRecord{
		Source: "web", Content: "signup is confusing", Sentiment: "negative", Category: "onboarding",
	}); err != nil {
		t.Fatal(err)
	}

	w := do(t, NewHandler(deps), http.MethodGet, "/digest/all", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != llm.summary {
		t.Errorf("body = %q, want model output verbatim", w.Body.String())
	}
	if len(llm.prompts) != 1 || !strings.Contains(llm.prompts[0], "- [onboarding] signup is confusing") {
		t.Errorf("prompts = %v", llm.prompts)
	}
}

func TestDigest_InvalidWindow(t *testing.T) {
	deps, _ := newTestDeps(t)
	w := do(t, NewHandler(deps), http.MethodGet, "/digest?window=7d", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSetup(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)

	w := do(t, h, http.MethodPost, "/setup", `{"discord_webhook":"https://discord.example/hook","erase_after":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	ds, err := deps.Store.GetDeliverySettings(context.Background())
	if err != nil {
		t.Fatalf("GetDeliverySettings: %v", err)
	}
	if ds.ScheduleTime != "09:00" || !ds.EraseAfter || ds.WebhookURL != "https://discord.example/hook" {
		t.Errorf("settings = %+v", ds)
	}
}

func TestSetup_Rejects(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)

	tests := []struct {
		name string
		body string
	}{
		{"missing webhook", `{"time":"10:00"}`},
		{"non-http webhook", `{"discord_webhook":"ftp://x/y"}`},
		{"bad time", `{"discord_webhook":"https://x/y","time":"25:00"}`},
		{"short time", `{"discord_webhook":"https://x/y","time":"9:00"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/setup", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}

	if _, err := deps.Store.GetDeliverySettings(context.Background()); err == nil {
		t.Error("rejected setup saved settings")
	}
}

func TestRuns_GetAndList(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)
	ctx := context.Background()

	id, err := deps.Pipeline.Submit(ctx, ingest.FeedbackSubmission{Source: "cli", Message: "love it"})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, h, http.MethodGet, "/runs/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view RunView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.ID != id || view.Status != storage.RunPending {
		t.Errorf("view = %+v", view)
	}
	var payload ingest.FeedbackSubmission
	if err := json.Unmarshal(view.Payload, &payload); err != nil {
		t.Fatalf("payload is not embedded JSON: %v", err)
	}
	if payload.Message != "love it" {
		t.Errorf("payload = %+v", payload)
	}

	w = do(t, h, http.MethodGet, "/runs?status=pending&limit=5", "")
	var views []RunView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ID != id {
		t.Errorf("list = %+v", views)
	}

	w = do(t, h, http.MethodGet, "/runs?status=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status code = %d, want 400", w.Code)
	}

	w = do(t, h, http.MethodGet, "/runs/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing run code = %d, want 404", w.Code)
	}
}

func TestRuns_Cancel(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)
	ctx := context.Background()

	id, err := deps.Pipeline.Submit(ctx, ingest.FeedbackSubmission{Message: "cancel me"})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, h, http.MethodPost, "/runs/"+id+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != storage.RunCancelled {
		t.Errorf("resp = %v", resp)
	}

	w = do(t, h, http.MethodPost, "/runs/"+id+"/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("second cancel code = %d, want 409", w.Code)
	}

	w = do(t, h, http.MethodPost, "/runs/nope/cancel", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing run code = %d, want 404", w.Code)
	}
}

func TestRuns_CancelRunning(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx := context.Background()

	id, err := deps.Pipeline.Submit(ctx, ingest.FeedbackSubmission{Message: "in flight"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Store.ClaimNextRun(ctx, []string{ingest.WorkflowName}); err != nil {
		t.Fatal(err)
	}

	w := do(t, NewHandler(deps), http.MethodPost, "/runs/"+id+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	run, _ := deps.Store.GetRun(ctx, id)
	if run.Status != storage.RunRunning || !run.CancelRequested {
		t.Errorf("run = %+v, want running with cancel requested", run)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
		{"limit=1000", 200},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/runs?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 200); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
