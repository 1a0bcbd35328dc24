package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"blast/internal/broadcast"
	"blast/internal/model"
	"blast/internal/queue"
	"blast/internal/storage"
	"blast/internal/wa"
)

type API struct {
	Store    *storage.Store
	Registry *wa.Registry
	Intake   *broadcast.Intake
	Queue    *queue.Queue
	Router   *chi.Mux
	Log      zerolog.Logger
}

func NewRouter(store *storage.Store, registry *wa.Registry, intake *broadcast.Intake,
	q *queue.Queue, log zerolog.Logger) *chi.Mux {
	api := &API{
		Store:    store,
		Registry: registry,
		Intake:   intake,
		Queue:    q,
		Router:   chi.NewRouter(),
		Log:      log.With().Str("component", "http").Logger(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	// Connection lifecycle
	a.Router.Post("/api/connections", a.handleCreateConnection)
	a.Router.Get("/api/connections", a.handleListConnections)
	a.Router.Get("/api/connections/{id}/status", a.handleConnectionStatus)
	a.Router.Post("/api/connections/{id}/connect", a.handleConnect)
	a.Router.Post("/api/connections/{id}/disconnect", a.handleDisconnect)
	a.Router.Post("/api/connections/{id}/refresh", a.handleRefresh)
	a.Router.Put("/api/connections/{id}/config", a.handleUpdateConfig)

	// Broadcast surface, authenticated by connection API key
	a.Router.Group(func(r chi.Router) {
		r.Use(a.apiKeyAuth)
		r.Post("/broadcast", a.handleSubmitBroadcast)
		r.Get("/broadcast/jobs", a.handleListJobs)
		r.Get("/broadcast/{jobID}/status", a.handleJobStatus)
		r.Delete("/broadcast/{jobID}", a.handleCancelJob)
	})

	a.Router.Get("/api/broadcasts", a.handleListAllJobs)
	a.Router.Get("/api/broadcasts/scheduled", a.handleListScheduled)
}

type ctxKey int

const connKey ctxKey = 0

// apiKeyAuth resolves the bearer token to a connection and stores it on the
// request context.
func (a *API) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		key = strings.TrimPrefix(key, "Bearer ")
		if key == "" {
			key = r.Header.Get("X-Api-Key")
		}
		if key == "" {
			writeErr(w, http.StatusUnauthorized, "missing API key")
			return
		}
		conn, err := a.Store.GetConnectionByAPIKey(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), connKey, conn)))
	})
}

func connFrom(r *http.Request) *model.Connection {
	conn, _ := r.Context().Value(connKey).(*model.Connection)
	return conn
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready, delayed, err := a.Queue.Depth(r.Context())
	status := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	if err != nil {
		status["queue"] = "unreachable"
	} else {
		status["queue"] = map[string]int64{"ready": ready, "delayed": delayed}
	}
	writeJSON(w, http.StatusOK, status)
}

type createConnectionReq struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

func (a *API) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}
	conn, err := a.Registry.CreateConnection(req.Name, req.OwnerID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := a.Store.ListConnections()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range conns {
		conns[i].APIKey = ""
	}
	writeJSON(w, http.StatusOK, conns)
}

func (a *API) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := a.Registry.GetConnectionData(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "connection not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	conn.APIKey = ""
	writeJSON(w, http.StatusOK, conn)
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Registry.Connect(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "connection not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "connecting", "id": id})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Registry.Disconnect(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "connection not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected", "id": id})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Registry.Refresh(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "connection not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "refreshing", "id": id})
}

type updateConfigReq struct {
	Webhook model.WebhookConfig `json:"webhook"`
	Agent   *model.AgentConfig  `json:"agent,omitempty"`
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateConfigReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.Registry.UpdateConfig(r.Context(), id, req.Webhook, req.Agent); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "connection not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "id": id})
}

type submitBroadcastReq struct {
	Message  string            `json:"message"`
	Type     string            `json:"type,omitempty"`
	MediaURL string            `json:"mediaUrl,omitempty"`
	AssetID  string            `json:"asset_id,omitempty"`
	Contacts []model.Recipient `json:"contacts"`
	Schedule string            `json:"schedule,omitempty"` // RFC3339
	Speed    string            `json:"speed,omitempty"`
	DedupKey string            `json:"deduplication_id,omitempty"`
}

func (a *API) handleSubmitBroadcast(w http.ResponseWriter, r *http.Request) {
	conn := connFrom(r)

	var req submitBroadcastReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub := broadcast.SubmitRequest{
		ConnectionID: conn.ID,
		OwnerID:      conn.OwnerID,
		Message:      req.Message,
		Type:         req.Type,
		Media:        model.MediaRef{URL: req.MediaURL, AssetID: req.AssetID},
		Recipients:   req.Contacts,
		Speed:        req.Speed,
		DedupKey:     req.DedupKey,
	}
	if req.Schedule != "" {
		t, err := time.Parse(time.RFC3339, req.Schedule)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "schedule must be RFC3339")
			return
		}
		sub.Schedule = &t
	}

	res, err := a.Intake.Submit(r.Context(), sub)
	if err != nil {
		var verr *broadcast.ValidationError
		if errors.As(err, &verr) {
			writeErr(w, http.StatusBadRequest, verr.Error())
			return
		}
		a.Log.Error().Err(err).Msg("broadcast submit")
		writeErr(w, http.StatusInternalServerError, "failed to queue broadcast")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	conn := connFrom(r)
	jobID := chi.URLParam(r, "jobID")

	job, err := a.Store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The parent id of a split submission has no job row of its
			// own; answer with the batch aggregate instead.
			a.handleParentStatus(w, conn, jobID)
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.ConnectionID != conn.ID {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}

	messages, err := a.Store.ListMessages(jobID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":      job,
		"messages": messages,
	})
}

// handleParentStatus aggregates the batches that share a parent job id into
// one rollup: summed counters plus the most pessimistic in-flight status.
func (a *API) handleParentStatus(w http.ResponseWriter, conn *model.Connection, parentID string) {
	batches, err := a.Store.ListJobsByParent(parentID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(batches) == 0 || batches[0].ConnectionID != conn.ID {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}

	var total, sent, failed, skipped int
	counts := map[string]int{}
	for _, b := range batches {
		counts[b.Status]++
		total += b.Total
		sent += b.Sent
		failed += b.Failed
		skipped += b.Skipped
	}
	status := model.JobCompleted
	switch {
	case counts[model.JobActive] > 0:
		status = model.JobActive
	case counts[model.JobQueued] > 0:
		status = model.JobQueued
	case counts[model.JobDelayed] > 0:
		status = model.JobDelayed
	case counts[model.JobCancelled] == len(batches):
		status = model.JobCancelled
	case counts[model.JobFailed] == len(batches):
		status = model.JobFailed
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"parent_job_id": parentID,
		"status":        status,
		"total":         total,
		"sent":          sent,
		"failed":        failed,
		"skipped":       skipped,
		"batches":       batches,
	})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	conn := connFrom(r)
	jobID := chi.URLParam(r, "jobID")

	job, err := a.Store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.ConnectionID != conn.ID {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}

	if err := a.Intake.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeErr(w, http.StatusConflict, "job already started")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "job_id": jobID})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	conn := connFrom(r)
	jobs, err := a.Store.ListJobs(conn.ID, r.URL.Query().Get("status"), false)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) handleListAllJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.Store.ListJobs(r.URL.Query().Get("connection_id"), r.URL.Query().Get("status"), false)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.Store.ListJobs(r.URL.Query().Get("connection_id"), "", true)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
