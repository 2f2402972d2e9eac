// Package server is the local JSON API the desktop renderer talks to while
// `innkeep serve` is running.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tildaslashalef/innkeep/internal/backend"
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/dispatch"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/queue"
	syncsvc "github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/update"
)

const (
	maxPayloadBytes = 1 << 20
	shutdownTimeout = 5 * time.Second
	requestIDHeader = "X-Request-ID"
)

// Invoker runs one operation through the offline-aware dispatcher
type Invoker interface {
	InvokeRaw(ctx context.Context, operation string, payload json.RawMessage) dispatch.Result
}

// Syncer drains the queue and reports its counts
type Syncer interface {
	Sync(ctx context.Context) (*syncsvc.SyncResult, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// QueueLister reads queued actions
type QueueLister interface {
	List(ctx context.Context, filter queue.Filter) ([]*queue.QueuedAction, error)
}

// Options wires the server to the running services. Updates and Metrics are optional.
type Options struct {
	Mode         string
	Dispatcher   Invoker
	Sync         Syncer
	Queue        QueueLister
	Connectivity interface{ State() connectivity.State }
	Updates      interface{ Status() update.Status }
	Metrics      http.Handler
}

// Server serves the local API
type Server struct {
	opts   Options
	logger *loggy.Logger
}

// New creates a server
func New(opts Options, logger *loggy.Logger) (*Server, error) {
	if opts.Dispatcher == nil || opts.Sync == nil || opts.Queue == nil || opts.Connectivity == nil {
		return nil, errors.New("server: dispatcher, sync, queue and connectivity are required")
	}
	return &Server{opts: opts, logger: logger}, nil
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/invoke/{operation}", s.handleInvoke)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return s.withRequestLogging(mux)
}

// Run listens on addr until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Local API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving local API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down local API: %w", err)
	}
	s.logger.Info("Local API stopped")
	return nil
}

type invokeResponse struct {
	Outcome string              `json:"outcome"`
	Data    json.RawMessage     `json:"data,omitempty"`
	Action  *queue.QueuedAction `json:"action,omitempty"`
	Error   *errorBody          `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	operation := r.PathValue("operation")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, errors.New("payload is not valid JSON"))
			return
		}
		payload = body
	}

	switch res := s.opts.Dispatcher.InvokeRaw(r.Context(), operation, payload).(type) {
	case dispatch.Completed:
		writeJSON(w, http.StatusOK, invokeResponse{Outcome: res.Outcome(), Data: res.Data})
	case dispatch.Queued:
		writeJSON(w, http.StatusAccepted, invokeResponse{Outcome: res.Outcome(), Action: res.Action})
	case dispatch.Rejected:
		status, body := rejection(res.Err)
		writeJSON(w, status, invokeResponse{Outcome: res.Outcome(), Error: body})
	}
}

// rejection maps a rejected invoke to an HTTP status the renderer can act on
func rejection(err error) (int, *errorBody) {
	body := &errorBody{Message: err.Error(), Kind: backend.Classify(err).String()}

	var apiErr *backend.APIError
	switch {
	case errors.Is(err, dispatch.ErrEmptyOperation):
		return http.StatusBadRequest, body
	case errors.As(err, &apiErr):
		body.Code = apiErr.Code
		if body.Code == "" {
			body.Code = apiErr.ErrorCode
		}
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 600 {
			return apiErr.StatusCode, body
		}
		return http.StatusBadGateway, body
	case queue.IsPersistence(err):
		return http.StatusInternalServerError, body
	default:
		return http.StatusBadGateway, body
	}
}

type statusResponse struct {
	Mode         string            `json:"mode"`
	Connectivity connectivityState `json:"connectivity"`
	Queue        queue.Counts      `json:"queue"`
	Update       *update.Status    `json:"update,omitempty"`
}

type connectivityState struct {
	Online            bool   `json:"online"`
	HardOffline       bool   `json:"hard_offline"`
	EffectivelyOnline bool   `json:"effectively_online"`
	Label             string `json:"label"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.opts.Sync.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	state := s.opts.Connectivity.State()
	resp := statusResponse{
		Mode: s.opts.Mode,
		Connectivity: connectivityState{
			Online:            state.Online,
			HardOffline:       state.HardOffline,
			EffectivelyOnline: state.EffectivelyOnline(),
			Label:             state.String(),
		},
		Queue: counts,
	}
	if s.opts.Updates != nil {
		st := s.opts.Updates.Status()
		resp.Update = &st
	}

	writeJSON(w, http.StatusOK, resp)
}

type syncResponse struct {
	*syncsvc.SyncResult
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.opts.Sync.Sync(r.Context())
	if errors.Is(err, syncsvc.ErrQueueOwned) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := syncResponse{SyncResult: result, DurationMS: result.Duration.Milliseconds()}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.Filter{OperationName: q.Get("operation")}

	for _, raw := range q["status"] {
		status, err := queue.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	actions, err := s.opts.Queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if actions == nil {
		actions = []*queue.QueuedAction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := loggy.WithLogger(r.Context(), s.logger)
		ctx = loggy.WithRequestID(ctx, r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, loggy.GetRequestID(ctx))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		loggy.FromContext(ctx).Debug("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": errorBody{Message: err.Error()}})
}
