package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/florianilch/aps-session/internal/session"
)

type handlers struct {
	sessions TokenSession
	clientID string
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientIDResponse is the body of GET /api/aps/clientid.
type ClientIDResponse struct {
	ID string `json:"id"`
}

// token returns the public token, or 401 with an empty body without a session.
func (h *handlers) token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok, err := h.sessions.PublicToken(ctx, w, r)
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		w.WriteHeader(http.StatusUnauthorized)
		return
	case err != nil:
		slog.ErrorContext(ctx, "failed to restore session", "error", err)
		writeJSONError(ctx, w, "failed to refresh session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(ctx, w, tok, http.StatusOK)
}

func (h *handlers) signOut(w http.ResponseWriter, r *http.Request) {
	h.sessions.SignOut(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *handlers) authorizationURL(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, h.sessions.AuthorizationURL()); err != nil {
		slog.DebugContext(r.Context(), "failed to write authorization URL", "error", err)
	}
}

// callback completes the authorization code flow and sends the user home.
func (h *handlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		slog.WarnContext(ctx, "authorization denied", "error", providerErr, "description", query.Get("error_description"))
		writeJSONError(ctx, w, "authorization failed: "+providerErr, http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	if code == "" {
		writeJSONError(ctx, w, "missing authorization code", http.StatusBadRequest)
		return
	}

	if _, err := h.sessions.ExchangeCode(ctx, w, code); err != nil {
		slog.ErrorContext(ctx, "failed to exchange authorization code", "error", err)
		writeJSONError(ctx, w, "authorization code exchange failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *handlers) clientIDHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, ClientIDResponse{ID: h.clientID}, http.StatusOK)
}

// writeJSON writes data as JSON with the given status code.
// Headers are sent before encoding, so an encoding failure can only be logged.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message}, status)
}
