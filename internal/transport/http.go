package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketmind/marketmind/internal/gateway"
	"github.com/marketmind/marketmind/internal/hooks"
	"github.com/marketmind/marketmind/internal/observability"
	"github.com/marketmind/marketmind/internal/sessions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from app origins; auth happens at the
	// proxy in front of this service.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server exposes the chat and streaming endpoints.
type Server struct {
	orch   *gateway.Orchestrator
	logger *slog.Logger
}

func NewServer(orch *gateway.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, logger: logger.With("component", "http")}
}

// Routes registers the server's handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

type chatRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type chatResponse struct {
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: "invalid request body"})
		return
	}
	if req.ChatID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: "chat_id and text are required"})
		return
	}

	ctx := observability.WithRequestID(r.Context(), uuid.NewString())
	reply, err := s.orch.HandleChat(ctx, req.ChatID, req.Text)
	if err != nil {
		writeJSON(w, statusFor(err), chatResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

// handleStream upgrades to a WebSocket and registers the connection as
// the sink for the requested session. Exactly one sink per session; a
// second connection is rejected.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sink := NewWSSink(conn, s.logger)
	if err := s.orch.AttachClient(sessionID, sink); err != nil {
		s.logger.Warn("sink registration failed", "session_id", sessionID, "error", err)
		sink.Close()
		return
	}
	s.logger.Info("client attached", "session_id", sessionID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func statusFor(err error) int {
	var validation *hooks.ValidationError
	switch {
	case errors.Is(err, gateway.ErrUpstreamThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrAnalysisRunning):
		return http.StatusConflict
	case errors.Is(err, sessions.ErrNoActiveSession):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
