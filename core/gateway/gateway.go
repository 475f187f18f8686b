package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cadsync/cadsync/core/coordinator"
	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/logging"
	"github.com/cadsync/cadsync/core/infra/metrics"
)

const logComponent = "GATEWAY"

// Bus is the slice of the notification bus the gateway needs: event taps for
// the websocket stream and request/reply responders for the op subjects.
type Bus interface {
	Subscribe(subject, queue string, handler func(data []byte)) error
	Respond(subject, queue string, handler func(data []byte) []byte) error
}

// Server exposes the coordinator over HTTP and NATS.
type Server struct {
	coord   *coordinator.Coordinator
	bus     Bus
	metrics metrics.GatewayMetrics
	started time.Time

	stream *eventStream
}

// New wires a Server. metrics may be nil.
func New(coord *coordinator.Coordinator, b Bus, m metrics.GatewayMetrics) *Server {
	return &Server{
		coord:   coord,
		bus:     b,
		metrics: m,
		started: time.Now().UTC(),
		stream:  newEventStream(),
	}
}

// Start attaches the bus taps and op responders, then serves HTTP on httpAddr
// and /metrics on metricsAddr. Blocks until the HTTP listener fails.
func (s *Server) Start(httpAddr, metricsAddr string) error {
	s.startEventTap()
	if err := s.ServeBus("cadsync-sessiond"); err != nil {
		logging.Error(logComponent, "bus responders failed", "error", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info(logComponent, "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(logComponent, "metrics server error", "error", err)
		}
	}()

	logging.Info(logComponent, "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error(logComponent, "http server error", "error", err)
		return err
	}
	return nil
}

// Routes builds the HTTP surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/files/{file_id}/sessions", s.instrumented("/api/v1/files/{file_id}/sessions", s.handleOpen))
	mux.HandleFunc("PATCH /api/v1/files/{file_id}/sessions", s.instrumented("/api/v1/files/{file_id}/sessions", s.handleUpdate))
	mux.HandleFunc("DELETE /api/v1/files/{file_id}/sessions", s.instrumented("/api/v1/files/{file_id}/sessions", s.handleClose))
	mux.HandleFunc("GET /api/v1/files/{file_id}/sessions", s.instrumented("/api/v1/files/{file_id}/sessions", s.handleList))
	mux.HandleFunc("GET /api/v1/files/{file_id}/sessions/check", s.instrumented("/api/v1/files/{file_id}/sessions/check", s.handleCheck))
	mux.HandleFunc("POST /api/v1/files/{file_id}/sessions/request", s.instrumented("/api/v1/files/{file_id}/sessions/request", s.handleRequest))
	mux.HandleFunc("POST /api/v1/files/{file_id}/sessions/deny", s.instrumented("/api/v1/files/{file_id}/sessions/deny", s.handleDeny))
	mux.HandleFunc("GET /api/v1/accounts/{account_id}/sessions", s.instrumented("/api/v1/accounts/{account_id}/sessions", s.handleAccount))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return mux
}

// startEventTap feeds session events from the bus into the websocket stream.
func (s *Server) startEventTap() {
	if s.bus == nil {
		return
	}
	if err := s.bus.Subscribe(bus.EventWildcard, "", func(data []byte) {
		var ev bus.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logging.Error(logComponent, "bad event payload", "error", err)
			return
		}
		s.stream.broadcast(ev)
	}); err != nil {
		logging.Error(logComponent, "event tap failed", "subject", bus.EventWildcard, "error", err)
	}
	s.stream.run()
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

// --- error boundary ---

type errorBody struct {
	ErrorCode         string                  `json:"error_code"`
	Message           string                  `json:"message,omitempty"`
	Editor            *coordinator.EditorInfo `json:"editor,omitempty"`
	RetryAfterSeconds int64                   `json:"retry_after_seconds,omitempty"`
}

func statusOf(kind coordinator.Kind) int {
	switch kind {
	case coordinator.KindIDsMissing:
		return http.StatusBadRequest
	case coordinator.KindViewOnly:
		return http.StatusForbidden
	case coordinator.KindFileDeleted, coordinator.KindRequestMissing:
		return http.StatusNotFound
	case coordinator.KindExistingEditor, coordinator.KindSavePending,
		coordinator.KindVersionConflict, coordinator.KindRequestDenied:
		return http.StatusConflict
	case coordinator.KindSessionExpired, coordinator.KindRequestExpired:
		return http.StatusGone
	case coordinator.KindRequestPending:
		return http.StatusTooManyRequests
	case coordinator.KindLatestVersionError, coordinator.KindCheckoutFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps coordinator errors to HTTP exactly once, here.
func writeError(w http.ResponseWriter, err error) {
	var ce *coordinator.Error
	if !errors.As(err, &ce) {
		logging.Error(logComponent, "internal error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	body := errorBody{ErrorCode: string(ce.Kind), Message: ce.Message, Editor: ce.Editor}
	if ce.RetryAfter > 0 {
		body.RetryAfterSeconds = int64(ce.RetryAfter.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfterSeconds, 10))
	}
	writeJSON(w, statusOf(ce.Kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- handlers ---

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var p coordinator.OpenParams
	if err := decodeBody(r, opSave, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorCode: "INVALID_PAYLOAD", Message: err.Error()})
		return
	}
	p.FileID = r.PathValue("file_id")
	res, err := s.coord.Open(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p coordinator.UpdateParams
	if err := decodeBody(r, opUpdate, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorCode: "INVALID_PAYLOAD", Message: err.Error()})
		return
	}
	p.FileID = r.PathValue("file_id")
	res, err := s.coord.Update(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var p coordinator.CloseParams
	// DELETE carries identifiers in the query; a JSON body also works
	if r.ContentLength > 0 {
		if err := decodeBody(r, opRemove, &p); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{ErrorCode: "INVALID_PAYLOAD", Message: err.Error()})
			return
		}
	} else {
		q := r.URL.Query()
		p.Token = q.Get("token")
		p.ClientSessionID = q.Get("client_session_id")
		p.User.ID = q.Get("user_id")
	}
	p.FileID = r.PathValue("file_id")
	res, err := s.coord.Close(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.Get(r.Context(), r.PathValue("file_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": res})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	p := coordinator.CheckParams{
		FileID: r.PathValue("file_id"),
		Token:  r.URL.Query().Get("token"),
	}
	p.User.ID = r.URL.Query().Get("user_id")
	res, err := s.coord.Check(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var p coordinator.RequestParams
	if err := decodeBody(r, opRequest, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorCode: "INVALID_PAYLOAD", Message: err.Error()})
		return
	}
	p.FileID = r.PathValue("file_id")
	res, err := s.coord.RequestEdit(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var p coordinator.DenyParams
	if err := decodeBody(r, opDeny, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorCode: "INVALID_PAYLOAD", Message: err.Error()})
		return
	}
	p.FileID = r.PathValue("file_id")
	res, err := s.coord.Deny(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.ListByAccount(r.Context(), r.PathValue("account_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": res})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(now.Sub(s.started).Seconds())

	natsConnected := false
	natsStatus := "UNKNOWN"
	natsURL := ""
	if nb, ok := s.bus.(*bus.NatsBus); ok {
		natsConnected = nb.IsConnected()
		natsStatus = nb.Status()
		natsURL = nb.ConnectedURL()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
			"url":       natsURL,
		},
		"stream_clients": s.stream.count(),
	})
}
