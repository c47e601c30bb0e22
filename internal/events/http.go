package events

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HTTPHandler adapts Ingress to the gateway's chi router: one route, POST
// /api/hooks/{sourceID}, fronting every adapter this process has registered.
type HTTPHandler struct {
	ingress *Ingress
	logger  *slog.Logger
}

// NewHTTPHandler creates an HTTPHandler bound to ingress.
func NewHTTPHandler(ingress *Ingress, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{ingress: ingress, logger: logger}
}

// HandleWebhook serves POST /api/hooks/{sourceID}: it reads the raw body
// once (adapters need it intact for signature verification), builds the
// adapter-facing Request, and writes back whatever HandleResult the intake
// pipeline produced.
func (h *HTTPHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req := Request{
		Method:   r.Method,
		Headers:  r.Header,
		Query:    r.URL.Query(),
		Body:     body,
		ClientIP: clientIP(r),
	}

	result, err := h.ingress.ProcessWebhookRequest(r.Context(), sourceID, req)
	if err != nil {
		h.logger.Error("webhook processing failed", "source_id", sourceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(result.Body) > 0 {
		_, _ = w.Write(result.Body)
	}
}

// maxWebhookBodyBytes bounds an inbound webhook payload; every adapter this
// fabric ships works with well under this, and it keeps a misbehaving
// upstream from holding a connection open streaming an unbounded body.
const maxWebhookBodyBytes = 10 << 20

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
