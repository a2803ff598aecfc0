// Package api exposes feedback submission, digests, delivery setup and run
// inspection over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/NunoMbM/feedback-digestive-system/internal/digest"
	"github.com/NunoMbM/feedback-digestive-system/internal/ingest"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Submitter enqueues feedback for ingestion.
type Submitter interface {
	Submit(ctx context.Context, s ingest.FeedbackSubmission) (string, error)
}

// Digester builds digests on demand.
type Digester interface {
	Generate(ctx context.Context, window digest.Window) (string, error)
}

// Deps are the services the HTTP and MCP handlers call into.
type Deps struct {
	Store    *storage.Store
	Pipeline Submitter
	Digest   Digester
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/feedback", handleSubmitFeedback(deps))
	r.Get("/digest", handleDigest(deps, ""))
	r.Get("/digest/all", handleDigest(deps, digest.WindowAll))
	r.Post("/setup", handleSetup(deps))

	r.Get("/runs", handleListRuns(deps))
	r.Get("/runs/{id}", handleGetRun(deps))
	r.Post("/runs/{id}/cancel", handleCancelRun(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
