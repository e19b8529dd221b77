// Package server exposes downloads over HTTP: submit a selection, poll its
// progress, and scrape the downloader's Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/cache"
	"github.com/sells-group/census-cli/internal/download"
	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/store"
)

// Starter begins an asynchronous download. *download.Downloader satisfies it.
type Starter interface {
	Start(ctx context.Context, keys []cache.Key) *download.Run
}

// Options configures a Server.
type Options struct {
	Registry *geo.Registry
	// Resolver resolves geopaths. Without one, requests carrying geopaths
	// are rejected.
	Resolver download.Resolver
	// Ledger records every run. Without one, runs live in memory only.
	Ledger store.Ledger
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// Server tracks the runs it started. Runs outlive the request that created
// them and stop when the server's context is cancelled.
type Server struct {
	ctx     context.Context
	starter Starter
	opts    Options
	log     *zap.Logger

	mu   sync.RWMutex
	runs map[string]*tracked
	wg   sync.WaitGroup
}

type tracked struct {
	id      string
	run     *download.Run
	created time.Time
}

// New returns a server whose runs are bound to ctx.
func New(ctx context.Context, starter Starter, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = geo.DefaultRegistry()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		ctx:     ctx,
		starter: starter,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "server")),
		runs:    make(map[string]*tracked),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/health", s.health)
		r.Route("/downloads", func(r chi.Router) {
			r.Post("/", s.submit)
			r.Get("/", s.list)
			r.Get("/{id}", s.status)
		})
	})
	return r
}

// Wait blocks until every started run has finished and been recorded.
func (s *Server) Wait() { s.wg.Wait() }

// DownloadRequest is the body of POST /downloads. Geographies are canonical
// addresses; geopaths are name paths resolved against the latest year.
type DownloadRequest struct {
	Tables      []string          `json:"tables"`
	Geographies []string          `json:"geographies"`
	Geopaths    []string          `json:"geopaths"`
	Years       []int             `json:"years"`
	Estimate    int               `json:"estimate"`
	Scope       map[string]string `json:"scope"`
}

// SubmitResponse acknowledges a started run.
type SubmitResponse struct {
	ID   string `json:"id"`
	Keys int    `json:"keys"`
}

// StatusResponse reports one run's progress and per-key outcomes.
type StatusResponse struct {
	ID       string            `json:"id"`
	Status   store.RunStatus   `json:"status"`
	Done     bool              `json:"done"`
	Progress download.Progress `json:"progress"`
	Keys     []store.KeyRecord `json:"keys"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, eris.Wrap(err, "server: invalid request body"))
		return
	}
	sel, err := s.selection(r.Context(), req)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	keys := download.Expand(sel)

	id := uuid.New().String()
	if s.opts.Ledger != nil {
		rec, err := s.opts.Ledger.CreateRun(r.Context(), sel)
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, err)
			return
		}
		id = rec.ID
	}

	t := &tracked{id: id, run: s.starter.Start(s.ctx, keys), created: time.Now().UTC()}
	s.mu.Lock()
	s.runs[id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.record(t)

	s.log.Info("download submitted", zap.String("run_id", id), zap.Int("keys", len(keys)))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, SubmitResponse{ID: id, Keys: len(keys)})
}

func (s *Server) selection(ctx context.Context, req DownloadRequest) (download.Selection, error) {
	sel := download.Selection{Tables: req.Tables, Years: req.Years, Estimate: req.Estimate}
	for _, g := range req.Geographies {
		a, err := s.opts.Registry.Parse(g)
		if err != nil {
			return sel, err
		}
		sel.Geographies = append(sel.Geographies, a)
	}
	if len(req.Geopaths) > 0 {
		if s.opts.Resolver == nil {
			return sel, eris.New("server: geopaths are not supported")
		}
		paths := make([]geo.Path, len(req.Geopaths))
		for i, p := range req.Geopaths {
			path, err := s.opts.Registry.ParsePath(p)
			if err != nil {
				return sel, err
			}
			paths[i] = path
		}
		addrs, err := download.ResolvePaths(ctx, s.opts.Resolver, paths, req.Years, req.Estimate)
		if err != nil {
			return sel, err
		}
		sel.Geographies = append(sel.Geographies, addrs...)
	}
	for name, value := range req.Scope {
		sel.Scope = append(sel.Scope, cache.ScopeValue{Name: name, Value: value})
	}
	return sel, sel.Validate()
}

func (s *Server) record(t *tracked) {
	defer s.wg.Done()
	res, err := t.run.Wait()
	if err != nil {
		s.log.Warn("download failed", zap.String("run_id", t.id), zap.Error(err))
	}
	if s.opts.Ledger == nil || res == nil {
		return
	}
	if err := store.RecordResult(context.WithoutCancel(s.ctx), s.opts.Ledger, t.id, res.Outcomes); err != nil {
		s.log.Error("record run", zap.String("run_id", t.id), zap.Error(err))
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	t, ok := s.runs[id]
	s.mu.RUnlock()
	if ok {
		render.JSON(w, r, s.live(t))
		return
	}

	if s.opts.Ledger == nil {
		s.fail(w, r, http.StatusNotFound, &store.RunNotFoundError{ID: id})
		return
	}
	run, err := s.opts.Ledger.GetRun(r.Context(), id)
	var nf *store.RunNotFoundError
	if errors.As(err, &nf) {
		s.fail(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	keys, err := s.opts.Ledger.ListKeys(r.Context(), id, "")
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, StatusResponse{
		ID:       run.ID,
		Status:   run.Status,
		Done:     run.Status != store.RunStatusRunning,
		Progress: download.Progress{Total: run.Total, Cached: run.Cached, Fetched: run.Fetched, Failed: run.Failed},
		Keys:     keys,
	})
}

func (s *Server) live(t *tracked) StatusResponse {
	outcomes := t.run.Outcomes()
	p := download.Tally(outcomes)
	now := time.Now().UTC()
	keys := make([]store.KeyRecord, len(outcomes))
	for i, o := range outcomes {
		keys[i] = store.NewKeyRecord(t.id, o, now)
	}
	status := store.RunStatusRunning
	if p.Done() {
		status = store.StatusFor(p)
	}
	return StatusResponse{ID: t.id, Status: status, Done: p.Done(), Progress: p, Keys: keys}
}

// RunSummary is one entry of GET /downloads.
type RunSummary struct {
	ID        string            `json:"id"`
	Status    store.RunStatus   `json:"status"`
	Progress  download.Progress `json:"progress"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ledger != nil {
		runs, err := s.opts.Ledger.ListRuns(r.Context(), store.RunFilter{Status: store.RunStatus(r.URL.Query().Get("status"))})
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, err)
			return
		}
		out := make([]RunSummary, len(runs))
		for i, run := range runs {
			out[i] = RunSummary{
				ID:        run.ID,
				Status:    run.Status,
				Progress:  download.Progress{Total: run.Total, Cached: run.Cached, Fetched: run.Fetched, Failed: run.Failed},
				CreatedAt: run.CreatedAt,
			}
		}
		render.JSON(w, r, out)
		return
	}

	s.mu.RLock()
	out := make([]RunSummary, 0, len(s.runs))
	for _, t := range s.runs {
		st := s.live(t)
		out = append(out, RunSummary{ID: t.id, Status: st.Status, Progress: st.Progress, CreatedAt: t.created})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	render.JSON(w, r, out)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}
