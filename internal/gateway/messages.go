package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/auth"
	"github.com/wolfeidau/toolgate/internal/session"
)

// maxMessageBytes caps a single submitted message.
const maxMessageBytes = 1 << 20 // 1 MiB

// handleMessages accepts one message for a session. Accepted messages get a
// 202 before any processing happens; the result arrives on the stream.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")

	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	// a session only accepts messages from the identity that opened it
	if actor := s.sessions.Get(sessionID); actor != nil && actor.Identity().UserID != identity.UserID {
		log.Warn().
			Str("session_id", sessionID).
			Str("user_id", identity.UserID).
			Msg("Submit to another user's session rejected")
		writeError(w, http.StatusBadRequest, "invalid_session")
		return
	}

	err = s.sessions.Submit(sessionID, session.Message{Body: body, ReceivedAt: time.Now()})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, session.ErrMailboxFull):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "mailbox_full",
			"retryAfter": 1,
		})
	default:
		writeError(w, http.StatusBadRequest, "invalid_session")
	}
}
