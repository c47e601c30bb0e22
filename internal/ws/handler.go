package ws

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bifrost-platform/bifrost/internal/cache"
)

// unauthorizedCloseCode is the WebSocket close code sent when a connection
// is accepted (the upgrade itself cannot fail on auth) but then rejected
// because its token did not verify.
const unauthorizedCloseCode = 4001

// Handler serves the gateway's WebSocket endpoints.
type Handler struct {
	hub    *Hub
	auth   *Authenticator
	logger *slog.Logger
}

// NewHandler creates a Handler bound to hub and auth.
func NewHandler(hub *Hub, auth *Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, auth: auth, logger: logger}
}

// Connect handles GET /ws/connect. The bearer token is passed as a `token`
// query parameter rather than an Authorization header, since the browser
// WebSocket API cannot set custom headers on the upgrade request. The
// session auto-subscribes to user:<id> so the caller always hears about
// their own executions and notifications without an explicit subscribe.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, nil)
}

// ConnectExecution handles GET /ws/execution/{execID}, a convenience
// endpoint that additionally auto-subscribes to execution:<execID> so a
// caller polling one execution doesn't need a manual subscribe round trip.
func (h *Handler) ConnectExecution(w http.ResponseWriter, r *http.Request) {
	execID, err := uuid.Parse(chi.URLParam(r, "execID"))
	if err != nil {
		http.Error(w, "invalid execution id", http.StatusNotFound)
		return
	}
	h.accept(w, r, []string{cache.ExecutionChannel(execID)})
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, extraTopics []string) {
	// The token is validated before upgrading where possible (it's a query
	// parameter, always readable from the plain HTTP request) so a missing
	// token never consumes a socket. A token that fails verification after
	// upgrade still has to be rejected post-accept, since the browser
	// WebSocket API surfaces no information from a rejected upgrade beyond
	// "it failed" — a close frame with a dedicated code carries the reason.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	subject, authErr := h.auth.Authenticate(token)
	var topics []string
	if userID, parseErr := uuid.Parse(subject); parseErr == nil {
		topics = append(topics, cache.UserChannel(userID))
	}
	topics = append(topics, extraTopics...)

	session, err := NewSession(h.hub, w, r, subject, topics, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed", "error", err)
		return
	}

	if authErr != nil {
		session.CloseWithCode(unauthorizedCloseCode, "unauthorized")
		return
	}

	h.logger.Info("ws: client connected", "user_id", subject, "remote_addr", r.RemoteAddr, "topics", topics)
	session.Run()
	h.logger.Info("ws: client disconnected", "user_id", subject, "remote_addr", r.RemoteAddr)
}
