package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kasuboski/watchz/pkg/episodes"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/pagination"
	"github.com/kasuboski/watchz/pkg/reconcile"
	"github.com/kasuboski/watchz/pkg/series"
	"go.uber.org/zap"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const (
	flushTimeout    = 5 * time.Second
	shutdownTimeout = 3 * time.Second
)

// WatchController is what the handlers need from the reconciliation controller
type WatchController interface {
	Series(ctx context.Context, id string) (series.Series, error)
	NextEpisode(ctx context.Context, id string, opts episodes.Options) (episodes.PrioritizedEpisode, error)
	ToggleNext(ctx context.Context, id string, opts episodes.Options) (reconcile.ToggleResult, error)
	MarkEpisode(ctx context.Context, id string, seasonNumber, episodeIndex int) (reconcile.ToggleResult, error)
	ContinueWatching(ctx context.Context, opts reconcile.ContinueOptions) ([]reconcile.ContinueEntry, error)
	Pending() []string
	HasPending() bool
	FlushPendingUpdates(ctx context.Context) reconcile.FlushReport
}

type GenericResponse struct {
	Error    string `json:"error,omitempty"`
	Response any    `json:"response"`
}

// PendingResponse tells a client whether leaving now would lose writes
type PendingResponse struct {
	Pending    []string `json:"pending"`
	Count      int      `json:"count"`
	HasPending bool     `json:"hasPending"`
}

type ContinueWatchingResponse struct {
	Series []reconcile.ContinueEntry `json:"series"`
	Meta   pagination.Meta           `json:"meta"`
}

// Server houses all dependencies for the watch api such as loggers and the controller
type Server struct {
	baseLogger *zap.SugaredLogger
	controller WatchController
}

// New creates a new watch server
func New(logger *zap.SugaredLogger, controller WatchController) Server {
	return Server{
		baseLogger: logger,
		controller: controller,
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, err error) error {
	return writeResponse(w, status, GenericResponse{
		Error: err.Error(),
	})
}

func writeResponse(w http.ResponseWriter, status int, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	w.Header().Set("content-type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}

	w.Write(b)
	return nil
}

// errorStatus maps controller errors to response codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrSeriesNotFound), errors.Is(err, reconcile.ErrEpisodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrNoCandidate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter: must be a boolean", name)
	}
	return b, nil
}

// Routes builds the router with every endpoint and middleware
func (s Server) Routes() http.Handler {
	rtr := mux.NewRouter()
	rtr.Use(s.LogMiddleware())
	rtr.HandleFunc("/healthz", s.Healthz()).Methods(http.MethodGet)

	api := rtr.PathPrefix("/api").Subrouter()

	v1 := api.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/series", s.ListSeries()).Methods(http.MethodGet)
	v1.HandleFunc("/series/{id}", s.GetSeries()).Methods(http.MethodGet)
	v1.HandleFunc("/series/{id}/next", s.NextEpisode()).Methods(http.MethodGet)
	v1.HandleFunc("/series/{id}/watch", s.ToggleNext()).Methods(http.MethodPost)
	v1.HandleFunc("/series/{id}/seasons/{season}/episodes/{index}/watch", s.MarkEpisode()).Methods(http.MethodPost)

	v1.HandleFunc("/pending", s.Pending()).Methods(http.MethodGet)
	v1.HandleFunc("/flush", s.Flush()).Methods(http.MethodPost)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
	)(rtr)
}

// Serve starts the http server and is a blocking call. On SIGINT or SIGTERM pending updates
// are flushed before the server shuts down.
func (s Server) Serve(port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Routes(),
	}

	errs := make(chan error, 1)
	go func() {
		s.baseLogger.Info("serving...", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case err := <-errs:
		return err
	case sig := <-c:
		s.baseLogger.Infow("shutting down", "signal", sig.String())
	}

	flushCtx, cancelFlush := context.WithTimeout(logger.WithCtx(context.Background(), s.baseLogger), flushTimeout)
	defer cancelFlush()
	s.controller.FlushPendingUpdates(flushCtx)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(ctx)
}

// Healthz is an endpoint that can be used for probes
func (s Server) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := GenericResponse{
			Response: "ok",
		}
		writeResponse(w, http.StatusOK, response)
	}
}

// ListSeries lists the continue watching rows
func (s Server) ListSeries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromCtx(r.Context())

		params, err := ParsePaginationParams(r)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err)
			return
		}

		watchlist, err := queryBool(r, "watchlist")
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err)
			return
		}

		suppress, err := queryBool(r, "suppressRewatch")
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err)
			return
		}

		entries, err := s.controller.ContinueWatching(r.Context(), reconcile.ContinueOptions{
			WatchlistOnly:   watchlist,
			SuppressRewatch: suppress,
		})
		if err != nil {
			log.Error("failed to list series", zap.Error(err))
			writeErrorResponse(w, http.StatusInternalServerError, errors.New("failed to list series"))
			return
		}

		page, meta := pagination.Apply(entries, params)
		err = writeResponse(w, http.StatusOK, GenericResponse{Response: ContinueWatchingResponse{Series: page, Meta: meta}})
		if err != nil {
			log.Error("failed to write response", zap.Error(err))
		}
	}
}

// GetSeries returns the display copy of one series
func (s Server) GetSeries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromCtx(r.Context())
		id := mux.Vars(r)["id"]

		result, err := s.controller.Series(r.Context(), id)
		if err != nil {
			log.Debug("failed to get series", zap.String("series", id), zap.Error(err))
			writeErrorResponse(w, errorStatus(err), err)
			return
		}

		err = writeResponse(w, http.StatusOK, GenericResponse{Response: result})
		if err != nil {
			log.Error("failed to write response", zap.Error(err))
		}
	}
}

// NextEpisode returns the episode to offer next. A series with nothing left responds with null.
func (s Server) NextEpisode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromCtx(r.Context())
		id := mux.Vars(r)["id"]

		suppress, err := queryBool(r, "suppressRewatch")
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err)
			return
		}

		result, err := s.controller.NextEpisode(r.Context(), id, episodes.Options{SuppressRewatch: suppress})
		if errors.Is(err, reconcile.ErrNoCandidate) {
			writeResponse(w, http.StatusOK, GenericResponse{})
			return
		}
		if err != nil {
			log.Debug("failed to select next episode", zap.String("series", id), zap.Error(err))
			writeErrorResponse(w, errorStatus(err), err)
			return
		}

		err = writeResponse(w, http.StatusOK, GenericResponse{Response: result})
		if err != nil {
			log.Error("failed to write response", zap.Error(err))
		}
	}
}

func toggleStatus(result reconcile.ToggleResult) int {
	if result.Outcome == reconcile.Applied {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// ToggleNext marks the next episode of a series watched
func (s Server) ToggleNext() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromCtx(r.Context())
		id := mux.Vars(r)["id"]

		suppress, err := queryBool(r, "suppressRewatch")
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err)
			return
		}

		result, err := s.controller.ToggleNext(r.Context(), id, episodes.Options{SuppressRewatch: suppress})
		if err != nil {
			log.Debug("failed to toggle next episode", zap.String("series", id), zap.Error(err))
			writeErrorResponse(w, errorStatus(err), err)
			return
		}

		err = writeResponse(w, toggleStatus(result), GenericResponse{Response: result})
		if err != nil {
			log.Error("failed to write response", zap.Error(err))
		}
	}
}

// MarkEpisode marks one episode watched by season number and episode index
func (s Server) MarkEpisode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromCtx(r.Context())
		vars := mux.Vars(r)
		id := vars["id"]

		season, err := strconv.Atoi(vars["season"])
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, errors.New("invalid season: must be an integer"))
			return
		}

		index, err := strconv.Atoi(vars["index"])
		if err != nil || index < 0 {
			writeErrorResponse(w, http.StatusBadRequest, errors.New("invalid episode index: must be a non-negative integer"))
			return
		}

		result, err := s.controller.MarkEpisode(r.Context(), id, season, index)
		if err != nil {
			log.Debug("failed to mark episode", zap.String("series", id), zap.Error(err))
			writeErrorResponse(w, errorStatus(err), err)
			return
		}

		err = writeResponse(w, toggleStatus(result), GenericResponse{Response: result})
		if err != nil {
			log.Error("failed to write response", zap.Error(err))
		}
	}
}

// Pending reports writes that have not reached the store yet
func (s Server) Pending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := s.controller.Pending()
		writeResponse(w, http.StatusOK, GenericResponse{Response: PendingResponse{
			Pending:    pending,
			Count:      len(pending),
			HasPending: s.controller.HasPending(),
		}})
	}
}

// Flush pushes every pending write now. Browsers call it with a beacon on unload.
func (s Server) Flush() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), flushTimeout)
		defer cancel()

		report := s.controller.FlushPendingUpdates(ctx)
		writeResponse(w, http.StatusOK, GenericResponse{Response: report})
	}
}
