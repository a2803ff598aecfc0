package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/NunoMbM/feedback-digestive-system/internal/digest"
	"github.com/NunoMbM/feedback-digestive-system/internal/ingest"
	"github.com/NunoMbM/feedback-digestive-system/internal/schedule"
	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

func handleSubmitFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ingest.FeedbackSubmission
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Pipeline.Submit(r.Context(), req)
		if errors.Is(err, ingest.ErrEmptyMessage) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue feedback: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
			"id":     id,
		})
	}
}

// handleDigest serves a plain-text digest. A fixed window wins over the
// ?window= query parameter.
func handleDigest(deps Deps, fixed digest.Window) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := fixed
		if window == "" {
			var err error
			window, err = digest.ParseWindow(r.URL.Query().Get("window"))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}

		summary, err := deps.Digest.Generate(r.Context(), window)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to generate digest: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(summary))
	}
}

type setupRequest struct {
	WebhookURL string `json:"discord_webhook"`
	Time       string `json:"time"`
	EraseAfter bool   `json:"erase_after"`
}

func handleSetup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req setupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		req.WebhookURL = strings.TrimSpace(req.WebhookURL)
		if req.WebhookURL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "discord_webhook is required")
			return
		}
		if u, err := url.Parse(req.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "discord_webhook must be an http(s) URL")
			return
		}
		if req.Time == "" {
			req.Time = "09:00"
		}
		if err := schedule.ValidateTime(req.Time); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		err := deps.Store.SaveDeliverySettings(r.Context(), storage.DeliverySettings{
			WebhookURL:   req.WebhookURL,
			ScheduleTime: req.Time,
			EraseAfter:   req.EraseAfter,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save settings: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
