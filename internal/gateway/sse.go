package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/auth"
	"github.com/wolfeidau/toolgate/internal/session"
)

// handleSSE opens a session and streams its events. The first event names
// the /messages endpoint for the session; heartbeat comments keep
// intermediary proxies from cutting the connection.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	identity := auth.IdentityFromContext(ctx)
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	project, errCode := s.resolveStreamProject(r, identity.UserID, identity.Project)
	if errCode != "" {
		status := http.StatusForbidden
		if errCode == "no_project" {
			status = http.StatusBadRequest
		}
		writeError(w, status, errCode)
		return
	}

	actor, err := s.sessions.Open(ctx, identity, project)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			writeError(w, http.StatusServiceUnavailable, "too_many_sessions")
			return
		}
		log.Error().Err(err).Msg("Failed to open session")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	defer actor.Detach()

	// the stream outlives the server's write timeout
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", actor.ID())
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-actor.Events():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
			if err := rc.Flush(); err != nil {
				return
			}
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339))
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// resolveStreamProject picks the project a new stream runs under: the
// ?project query parameter, else the credential's project scope, else the
// user's default. Whatever is picked must pass the evaluator.
func (s *Server) resolveStreamProject(r *http.Request, userID, tokenProject string) (string, string) {
	project := r.URL.Query().Get("project")
	if project == "" {
		project = tokenProject
	}
	if project == "" {
		fallback, err := s.acl.DefaultProject(r.Context(), userID)
		if err != nil || fallback == "" {
			return "", "no_project"
		}
		project = fallback
	}

	decision := s.acl.Authorize(r.Context(), userID, project)
	if !decision.Allowed {
		return "", "access_denied"
	}

	return project, ""
}
