package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/config"
	"github.com/sells-group/supplier-pipeline/internal/importer"
	"github.com/sells-group/supplier-pipeline/internal/mapping"
	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/pipeline"
	"github.com/sells-group/supplier-pipeline/internal/rules"
	"github.com/sells-group/supplier-pipeline/internal/store"
)

var (
	servePort    int
	serveOffline bool
)

// maxImportBody caps POST /imports payloads.
const maxImportBody = 64 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeServe, serveOffline)
		if err != nil {
			return err
		}
		defer env.Close()

		api := newAPI(ctx, env)
		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(api, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		api.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "use stub providers instead of the Anthropic and Perplexity APIs")
	rootCmd.AddCommand(serveCmd)
}

// api serves imports and pipeline runs over HTTP. Background pipeline runs
// use ctx, so they stop when the server shuts down.
type api struct {
	ctx context.Context
	env *appEnv

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func newAPI(ctx context.Context, env *appEnv) *api {
	return &api{ctx: ctx, env: env, running: make(map[string]bool)}
}

// Wait blocks until background pipeline runs have returned.
func (a *api) Wait() { a.wg.Wait() }

func buildRouter(a *api, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Route("/imports", func(r chi.Router) {
		r.Get("/", a.listImports)
		r.Post("/", a.createImport)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", a.status)
			r.Post("/pipeline", a.runPipeline)
			r.Post("/steps/{step}", a.runStep)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) listImports(w http.ResponseWriter, r *http.Request) {
	filter := store.ImportFilter{Status: model.ImportStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	imps, err := a.env.Store.ListImports(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	if imps == nil {
		imps = []model.Import{}
	}
	respondJSON(w, http.StatusOK, imps)
}

type createImportRequest struct {
	Filename string                `json:"filename"`
	Rows     []model.RawRow        `json:"rows"`
	Mappings []model.ColumnMapping `json:"mappings"`
	RowLimit int                   `json:"row_limit"`
}

func (a *api) createImport(w http.ResponseWriter, r *http.Request) {
	var req createImportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImportBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		respondError(w, http.StatusBadRequest, "filename is required")
		return
	}

	res, err := a.env.Importer.Run(r.Context(), importer.Request{
		Rows:     req.Rows,
		Mappings: req.Mappings,
		Filename: req.Filename,
		RowLimit: req.RowLimit,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.env.Runner.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// runPipeline starts a full run in the background and answers 202. A second
// request for an import that is still running gets 409.
func (a *api) runPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.env.Store.GetImport(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	if !a.acquire(id) {
		respondError(w, http.StatusConflict, "pipeline already running for this import")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(id)
		res, err := a.env.Runner.RunFull(a.ctx, id)
		if err != nil {
			zap.L().Error("pipeline run failed", zap.String("import_id", id), zap.Error(err))
			return
		}
		zap.L().Info("pipeline run complete",
			zap.String("import_id", id),
			zap.Int("processed", res.TotalProcessed),
			zap.Int("errors", res.TotalErrors),
		)
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "import_id": id})
}

func (a *api) runStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.env.Store.GetImport(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	if !a.acquire(id) {
		respondError(w, http.StatusConflict, "pipeline already running for this import")
		return
	}
	defer a.release(id)

	res, err := runStep(r.Context(), a.env.Runner, id, model.Step(chi.URLParam(r, "step")))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *api) acquire(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running[id] {
		return false
	}
	a.running[id] = true
	return true
}

func (a *api) release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.running, id)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mapping.ErrNoMappings),
		errors.Is(err, mapping.ErrNameMapping),
		errors.Is(err, mapping.ErrUnknownTarget),
		errors.Is(err, pipeline.ErrUnknownStep):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoActivePrompt):
		status = http.StatusConflict
	case errors.Is(err, rules.ErrInvalidRule):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	respondError(w, status, err.Error())
}
