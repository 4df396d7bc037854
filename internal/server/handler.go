package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	"github.com/ahmethakanbesel/social-resolver/internal/job"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
	"github.com/ahmethakanbesel/social-resolver/internal/repository/providercall"
)

const (
	apiKeyHeader = "X-API-Key"
	// userHeader carries the session user set by the fronting auth proxy.
	userHeader = "X-User-ID"

	maxBodyBytes = 32 << 20
)

type handler struct {
	deps Deps
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiKey resolves the X-API-Key header. A missing header yields nil; an
// unknown secret is an Unauthorized error.
func (h *handler) apiKey(r *http.Request) (*ratelimit.APIKey, error) {
	secret := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if secret == "" {
		return nil, nil
	}
	key, ok := h.deps.Keys.Lookup(secret)
	if !ok {
		return nil, apperror.New(apperror.Unauthorized, "unknown api key")
	}
	return &key, nil
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	key, err := h.apiKey(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req job.CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.APIKey = key
	if u := r.Header.Get(userHeader); u != "" {
		req.UserID = u
	}

	j, err := h.deps.Jobs.CreateJob(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.deps.Jobs.Get(r.Context(), job.GetJobRequest{ID: r.PathValue("id")})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	req := job.ListJobsRequest{
		UserID:      r.URL.Query().Get("userId"),
		Status:      job.Status(r.URL.Query().Get("status")),
		InputSource: r.URL.Query().Get("source"),
	}
	key, err := h.apiKey(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if key != nil {
		req.APIKeyID = key.ID
	}

	jobs, err := h.deps.Jobs.List(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	entries, err := h.deps.Jobs.History(r.Context(), userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if entries == nil {
		entries = []job.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) tick(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Pool.Tick(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if report.Results == nil {
		report.Results = []job.TickResult{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Refresh.Run(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rateLimitStatus struct {
	APIKeyID string             `json:"apiKeyId"`
	Tier     ratelimit.Tier     `json:"tier"`
	Windows  []ratelimit.Window `json:"windows"`
}

func (h *handler) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key, err := h.apiKey(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if key == nil {
		writeError(w, http.StatusUnauthorized, "X-API-Key header is required")
		return
	}

	windows, err := h.deps.Limiter.Status(r.Context(), key.ID, key.Plan())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitStatus{APIKeyID: key.ID, Tier: key.Tier, Windows: windows})
}

func (h *handler) lookupIdentities(w http.ResponseWriter, r *http.Request) {
	var wallets []string
	for _, v := range strings.Split(r.URL.Query().Get("wallets"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			wallets = append(wallets, v)
		}
	}

	entries, err := h.deps.Identities.Lookup(r.Context(), wallets)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// providerStats summarises provider calls over the trailing window given as
// ?since=<duration>, 24h by default.
func (h *handler) providerStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		window = d
	}

	stats, err := h.deps.ProviderStats.Summarize(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if stats == nil {
		stats = []providercall.Summary{}
	}
	writeJSON(w, http.StatusOK, stats)
}
