package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/tablecat/concat/pkg/concat"
	"github.com/malbeclabs/tablecat/concat/pkg/metrics"
	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	limiter *RateLimiter
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.ConcatenateRate, cfg.ConcatenateBurst),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.With(s.limiter.Middleware).Post("/concatenate", s.handleConcatenate)
		r.Get("/tables/*", s.handleGetTable)
	})
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	limiterCtx, cancelLimiter := context.WithCancel(ctx)
	defer cancelLimiter()
	go s.limiter.Run(limiterCtx)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.log.Debug("readyz: store not ready", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("store not ready\n")); err != nil {
				s.log.Error("failed to write readyz response", "error", err)
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

// ConcatenateRequest is the body of POST /v1/concatenate.
type ConcatenateRequest struct {
	Sources       []string `json:"sources"`
	Destination   string   `json:"destination"`
	// TransactionID nests the operation under a transaction that is open in this server process,
	// for example one begun by code embedding the server next to its store. The server exposes no
	// endpoints to begin or commit transactions, so HTTP clients leave it empty. The same holds for
	// transaction_id attributes on source paths.
	TransactionID string   `json:"transaction_id,omitempty"`
}

// handleConcatenate runs one concatenation in its own transaction, or nested under
// ConcatenateRequest.TransactionID when set. Unknown transaction ids answer 404.
func (s *Server) handleConcatenate(w http.ResponseWriter, r *http.Request) {
	var req ConcatenateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, tableerr.Wrap(tableerr.CodeInvalidArgument, err, "invalid request body"))
		return
	}
	if req.Destination == "" {
		s.writeError(w, tableerr.New(tableerr.CodeInvalidArgument, "destination is required"))
		return
	}

	res, err := s.cfg.Executor.ConcatenatePaths(r.Context(), req.Sources, req.Destination, concat.Options{
		TransactionID: req.TransactionID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type TableResponse struct {
	Path             string        `json:"path"`
	Schema           schema.Schema `json:"schema"`
	SchemaMode       schema.Mode   `json:"schema_mode"`
	Sorted           bool          `json:"sorted"`
	SortedBy         []string      `json:"sorted_by"`
	RowCount         int64         `json:"row_count"`
	ChunkCount       int64         `json:"chunk_count"`
	ModificationTime *time.Time    `json:"modification_time,omitempty"`
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	path := "//" + chi.URLParam(r, "*")
	ctx := r.Context()

	tx, err := s.cfg.Store.Begin(ctx, store.BeginOptions{Title: "Reading " + path})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() {
		if err := tx.Abort(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("server: failed to abort read transaction", "error", err)
		}
	}()

	typ, err := store.GetNodeType(ctx, tx, path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if typ != store.NodeTypeTable {
		s.writeError(w, tableerr.New(tableerr.CodeInvalidArgument, "%s is not a table", path))
		return
	}
	meta, err := store.ReadTableMeta(ctx, tx, path)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := TableResponse{
		Path:       path,
		Schema:     meta.Schema,
		SchemaMode: meta.SchemaMode,
		Sorted:     meta.Sorted,
		SortedBy:   meta.SortedBy,
		RowCount:   meta.RowCount,
		ChunkCount: meta.ChunkCount,
	}
	if resp.SortedBy == nil {
		resp.SortedBy = []string{}
	}
	if !meta.ModificationTime.IsZero() {
		resp.ModificationTime = &meta.ModificationTime
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type ErrorResponse struct {
	Error      string         `json:"error"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := tableerr.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "error", err)
	}
	resp := ErrorResponse{Error: code.String(), Message: err.Error()}
	var te *tableerr.Error
	if errors.As(err, &te) {
		resp.Attributes = te.Attributes
	}
	s.writeJSON(w, status, resp)
}

func statusOf(code tableerr.Code) int {
	switch code {
	case tableerr.CodeInvalidArgument:
		return http.StatusBadRequest
	case tableerr.CodeNotFound:
		return http.StatusNotFound
	case tableerr.CodeLockConflict, tableerr.CodeAlreadyExists:
		return http.StatusConflict
	case tableerr.CodeSchemaViolation, tableerr.CodeIncompatibleSchemas,
		tableerr.CodeSortOrderViolation, tableerr.CodeUniqueKeyViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
