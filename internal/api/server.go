package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sijadev/chunkflow/internal/domain"
	"github.com/sijadev/chunkflow/internal/importer"
	"github.com/sijadev/chunkflow/internal/journal"
)

// StatusFunc returns the live queue snapshot of the current run. It may be
// nil when no run is active.
type StatusFunc func() domain.QueueStatus

type Server struct {
	r      *chi.Mux
	repo   journal.Repository
	status StatusFunc
}

func NewServer(repo journal.Repository, status StatusFunc) http.Handler {
	return NewServerWithDebug(repo, status, false)
}

func NewServerWithDebug(repo journal.Repository, status StatusFunc, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, status: status}

	// API routes
	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/status", s.queueStatus)
	r.Get("/api/runs", s.listRuns)
	r.Get("/api/runs/{id}", s.getRun)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("chunkflow_up 1\n"))
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "no active run", 404)
		return
	}
	writeJSON(w, 200, s.status())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	runs, err := s.repo.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON(run))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.repo.GetRun(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, runJSON(run))
}

func runJSON(run domain.Run) map[string]any {
	return map[string]any{
		"id":          run.ID,
		"course_id":   run.CourseID,
		"started_at":  run.StartedAt.Format(time.RFC3339),
		"finished_at": run.FinishedAt.Format(time.RFC3339),
		"summary":     run.Summary,
	}
}

type scheduleReq struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	CourseID string `json:"course_id"`
	Source   string `json:"source"`
	Enabled  *bool  `json:"enabled"`
}

type scheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.CourseID == "" {
		http.Error(w, "course_id is required", 400)
		return
	}
	if err := importer.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := importer.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), domain.ImportSchedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		CourseID: req.CourseID,
		Source:   req.Source,
		Enabled:  req.Enabled != nil && *req.Enabled,
		NextRun:  nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, scheduleJSON(sch))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sch, err := s.repo.GetSchedule(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, scheduleJSON(sch))
}

func scheduleJSON(sch domain.ImportSchedule) map[string]any {
	out := map[string]any{
		"id":        sch.ID,
		"name":      sch.Name,
		"cron_expr": sch.CronExpr,
		"course_id": sch.CourseID,
		"source":    sch.Source,
		"enabled":   sch.Enabled,
		"next_run":  sch.NextRun.Format(time.RFC3339),
	}
	if sch.LastRun != nil {
		out["last_run"] = sch.LastRun.Format(time.RFC3339)
	}
	return out
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sch, err := s.repo.GetSchedule(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		sch.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := importer.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		nextRun, err := importer.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
			return
		}
		sch.CronExpr = req.CronExpr
		sch.NextRun = nextRun
	}
	if req.CourseID != "" {
		sch.CourseID = req.CourseID
	}
	if req.Source != "" {
		sch.Source = req.Source
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}

	if err := s.repo.UpdateSchedule(r.Context(), sch); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, scheduleJSON(sch))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
