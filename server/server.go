// Package server exposes runs, uploads and correlation queries over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jalad-shrimali/cdr-correlator/analysis"
	"github.com/jalad-shrimali/cdr-correlator/archive"
	"github.com/jalad-shrimali/cdr-correlator/ingest"
	"github.com/jalad-shrimali/cdr-correlator/internal/config"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/internal/logging"
	"github.com/jalad-shrimali/cdr-correlator/model"
)

// RunStore is the run and watchlist surface of the store.
type RunStore interface {
	CreateRun(ctx context.Context, name, actor string) (*model.AnalysisRun, error)
	Run(ctx context.Context, id uint) (*model.AnalysisRun, error)
	Runs(ctx context.Context) ([]model.AnalysisRun, error)
	RenameRun(ctx context.Context, id uint, name string) error
	ClearRun(ctx context.Context, id uint) (calls, hits int64, err error)
	AddObjective(ctx context.Context, o *model.Objective) error
	Objectives(ctx context.Context) ([]model.Objective, error)
}

// Deps wires the server. Archive and Gatherer may be nil.
type Deps struct {
	Store    RunStore
	Ingester *ingest.Ingester
	Engine   *analysis.Engine
	Archive  archive.Archiver
	Gatherer prometheus.Gatherer
	Settings config.ServerSettings
	Log      *slog.Logger
}

// Router holds the handlers' collaborators.
type Router struct {
	store   RunStore
	ingest  *ingest.Ingester
	engine  *analysis.Engine
	archive archive.Archiver
	cfg     config.ServerSettings
	log     *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logging.Discard()
	}
	rt := &Router{
		store:   d.Store,
		ingest:  d.Ingester,
		engine:  d.Engine,
		archive: d.Archive,
		cfg:     d.Settings,
		log:     logging.Module(log, "server"),
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(requestLogger(rt.log))
	origins := d.Settings.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if d.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Post("/runs", rt.wrap(rt.handleCreateRun))
	mux.Get("/runs", rt.wrap(rt.handleListRuns))
	mux.Route("/runs/{id}", func(r chi.Router) {
		r.Patch("/", rt.wrap(rt.handleRenameRun))
		r.Post("/clear", rt.wrap(rt.handleClearRun))
		r.Post("/xdr", rt.wrap(rt.handleUploadXDR))

		r.Get("/objective", rt.wrap(rt.handleObjective))
		r.Get("/summary", rt.wrap(rt.handleSummary))
		r.Get("/contacts", rt.wrap(rt.handleContacts))
		r.Get("/contacts/detail", rt.wrap(rt.handleContactDetail))
		r.Get("/places", rt.wrap(rt.handlePlaces))
		r.Get("/places/detail", rt.wrap(rt.handlePlaceDetail))
		r.Get("/coincidences", rt.wrap(rt.handleCoincidences))
		r.Get("/common-contacts", rt.wrap(rt.handleCommonContacts))
		r.Get("/common-places", rt.wrap(rt.handleCommonPlaces))
		r.Get("/graph", rt.wrap(rt.handleGraph))
		r.Get("/timeline", rt.wrap(rt.handleTimeline))
		r.Get("/timeseries", rt.wrap(rt.handleTimeSeries))
		r.Get("/hits", rt.wrap(rt.handleHits))
		r.Get("/export.xlsx", rt.wrap(rt.handleExport))
	})
	mux.Get("/coincidences", rt.wrap(rt.handleCoincidences))

	mux.Post("/antennas", rt.wrap(rt.handleUploadAntennas))
	mux.Post("/detections", rt.wrap(rt.handleUploadDetections))
	mux.Get("/detections/near", rt.wrap(rt.handleDetectionsNear))
	mux.Post("/objectives", rt.wrap(rt.handleAddObjective))
	mux.Get("/objectives", rt.wrap(rt.handleListObjectives))

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap turns returned errors into JSON error responses.
func (rt *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		code := statusOf(err)
		if code >= 500 {
			rt.log.Error("request failed", "path", r.URL.Path, "error", err)
		}
		writeJSON(w, code, map[string]any{"ok": false, "error": err.Error()})
	}
}

// statusOf maps an error category to an HTTP status.
func statusOf(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation, errors.CategoryUnsupportedFormat, errors.CategoryFileParsing:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, v any) error {
	writeJSON(w, http.StatusOK, v)
	return nil
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
