package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/orchestrator"
	"github.com/sells-group/rfp-pipeline/internal/store"
)

// newRouter builds the daemon's HTTP API.
func newRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", handleTriggerRun(env))
		r.Get("/", handleListRuns(env))
		r.Get("/{id}", handleGetRun(env))
		r.Delete("/{id}", handleCancelRun(env))
		r.Get("/{id}/logs", handleRunLogs(env))
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", handleCreateSchedule(env))
		r.Get("/", handleListSchedules(env))
		r.Get("/{id}", handleGetSchedule(env))
		r.Put("/{id}", handleUpdateSchedule(env))
		r.Delete("/{id}", handleDeleteSchedule(env))
	})

	r.Get("/progress", handleProgress(env))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": eris.ToString(err, false)})
}

// triggerRequest is the POST /runs body. All fields are optional;
// unset fields fall back to configuration.
type triggerRequest struct {
	Mode       string   `json:"mode,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	NAICSCodes []string `json:"naics_codes,omitempty"`
	PostedFrom string   `json:"posted_from,omitempty"` // YYYY-MM-DD
	PostedTo   string   `json:"posted_to,omitempty"`
	MaxItems   int      `json:"max_items,omitempty"`
}

func (tr triggerRequest) toRunConfig() (model.RunConfig, error) {
	cfg := model.RunConfig{
		Mode:       model.RunMode(tr.Mode),
		Keywords:   tr.Keywords,
		NAICSCodes: tr.NAICSCodes,
		MaxItems:   tr.MaxItems,
	}
	var err error
	if tr.PostedFrom != "" {
		if cfg.PostedFrom, err = time.Parse("2006-01-02", tr.PostedFrom); err != nil {
			return cfg, eris.Wrapf(err, "posted_from %q", tr.PostedFrom)
		}
	}
	if tr.PostedTo != "" {
		if cfg.PostedTo, err = time.Parse("2006-01-02", tr.PostedTo); err != nil {
			return cfg, eris.Wrapf(err, "posted_to %q", tr.PostedTo)
		}
	}
	return cfg, nil
}

func handleTriggerRun(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req triggerRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode body"))
				return
			}
		}
		runCfg, err := req.toRunConfig()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		run, err := env.Orch.Trigger(r.Context(), runCfg)
		if eris.Is(err, orchestrator.ErrRunActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, runView(run))
	}
}

func handleListRuns(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.RunFilter{
			Status: model.RunStatus(r.URL.Query().Get("status")),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}
		runs, err := env.Store.ListRuns(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := env.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, runView(run))
	}
}

// runView flattens the live counters into the JSON payload.
type runViewBody struct {
	*model.Run
	Counters model.CounterSnapshot `json:"counters"`
}

func runView(run *model.Run) runViewBody {
	v := runViewBody{Run: run}
	if run.Counters != nil {
		v.Counters = run.Counters.Snapshot()
	}
	return v
}

func handleCancelRun(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Orch.Cancel(chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func handleRunLogs(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level := r.URL.Query().Get("level")
		if level == "" {
			level = "info"
		}
		logs, err := env.Store.ListRunLogs(r.Context(), chi.URLParam(r, "id"), level, queryInt(r, "limit", 500))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// handleProgress streams counter snapshots as server-sent events until
// the client disconnects.
func handleProgress(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, eris.New("streaming unsupported"))
			return
		}

		events, cancel := env.Orch.Hub().Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

// scheduleRequest is the POST/PUT /schedules body.
type scheduleRequest struct {
	Name     string          `json:"name"`
	CronExpr string          `json:"cron_expr"`
	Enabled  *bool           `json:"enabled,omitempty"`
	Config   model.RunConfig `json:"config"`
}

func handleCreateSchedule(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode body"))
			return
		}
		now := time.Now().UTC()
		next, err := orchestrator.ParseCron(req.CronExpr, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		sched := &model.Schedule{
			ID:        uuid.NewString(),
			Name:      req.Name,
			CronExpr:  req.CronExpr,
			Enabled:   enabled,
			Config:    req.Config,
			NextRun:   &next,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := env.Store.CreateSchedule(r.Context(), sched); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, sched)
	}
}

func handleListSchedules(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schedules, err := env.Store.ListSchedules(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, schedules)
	}
}

func handleGetSchedule(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, err := env.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, sched)
	}
}

func handleUpdateSchedule(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, err := env.Store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}

		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode body"))
			return
		}
		if req.CronExpr != "" && req.CronExpr != sched.CronExpr {
			next, err := orchestrator.ParseCron(req.CronExpr, time.Now().UTC())
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			sched.CronExpr = req.CronExpr
			sched.NextRun = &next
		}
		if req.Name != "" {
			sched.Name = req.Name
		}
		if req.Enabled != nil {
			sched.Enabled = *req.Enabled
		}
		if req.Config.Mode != "" || len(req.Config.Keywords) > 0 || len(req.Config.NAICSCodes) > 0 || req.Config.MaxItems > 0 {
			sched.Config = req.Config
		}
		sched.UpdatedAt = time.Now().UTC()

		if err := env.Store.UpdateSchedule(r.Context(), sched); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sched)
	}
}

func handleDeleteSchedule(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 0 {
		return def
	}
	return n
}
