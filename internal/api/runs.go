package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

// RunView is the API shape of a run. Payload and result are embedded as JSON
// rather than escaped strings.
type RunView struct {
	ID              string          `json:"id"`
	Workflow        string          `json:"workflow"`
	Status          string          `json:"status"`
	CancelRequested bool            `json:"cancel_requested"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	FailedStep      string          `json:"failed_step,omitempty"`
	RunAfter        time.Time       `json:"run_after"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Steps           []StepView      `json:"steps,omitempty"`
}

// StepView is the checkpoint of one step within a RunView.
type StepView struct {
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func toRunView(run storage.Run, steps []storage.StepState) RunView {
	v := RunView{
		ID:              run.ID,
		Workflow:        run.Workflow,
		Status:          run.Status,
		CancelRequested: run.CancelRequested,
		Payload:         rawJSON(run.PayloadJSON),
		Result:          rawJSON(run.ResultJSON),
		LastError:       run.LastError,
		FailedStep:      run.FailedStep,
		RunAfter:        run.RunAfter,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
	for _, st := range steps {
		v.Steps = append(v.Steps, StepView{
			Name:      st.Name,
			Status:    st.Status,
			Attempts:  st.Attempts,
			Result:    rawJSON(st.ResultJSON),
			LastError: st.LastError,
			UpdatedAt: st.UpdatedAt,
		})
	}
	return v
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", storage.RunPending, storage.RunRunning, storage.RunCompleted, storage.RunFailed, storage.RunCancelled:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 20, 200)

		runs, err := deps.Store.ListRuns(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}

		views := make([]RunView, len(runs))
		for i, run := range runs {
			views[i] = toRunView(run, nil)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Store.GetRun(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}

		steps, err := deps.Store.RunSteps(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run steps: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toRunView(run, steps))
	}
}

func handleCancelRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		status, err := deps.Store.CancelRun(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "run %s not found", id)
			return
		case errors.Is(err, storage.ErrRunTerminal):
			httpError(w, http.StatusConflict, "conflict_error", "run %s has already finished", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel run: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":               id,
			"status":           status,
			"cancel_requested": true,
		})
	}
}
