package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/toolgate/internal/models"
	"github.com/wolfeidau/toolgate/internal/telemetry"
)

// Registry owns every live session actor. Opening a stream creates an actor,
// submits route messages into its mailbox, and a background reaper removes
// actors that detached long ago or outlived the lifetime cap.
type Registry struct {
	cfg        Config
	dispatcher Dispatcher

	mu       sync.RWMutex
	sessions map[string]*Actor

	stopReaper chan struct{}
	stopOnce   sync.Once
}

// NewRegistry creates a registry and starts its reaper goroutine. Call Close
// to stop the reaper and terminate all remaining sessions.
func NewRegistry(cfg Config, dispatcher Dispatcher) *Registry {
	cfg.ApplyDefaults()

	r := &Registry{
		cfg:        cfg,
		dispatcher: dispatcher,
		sessions:   make(map[string]*Actor),
		stopReaper: make(chan struct{}),
	}

	go r.runReaper()

	return r
}

// Open creates a new session actor for the identity and returns it with the
// stream already attached. The id is server generated; clients never pick
// their own.
func (r *Registry) Open(ctx context.Context, identity *models.Identity, project string) (*Actor, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	actorCtx, cancel := context.WithCancel(context.Background())

	now := time.Now()
	a := &Actor{
		id:            id.String(),
		identity:      identity,
		registry:      r,
		mailbox:       make(chan Message, r.cfg.MailboxSize),
		events:        make(chan Event, r.cfg.MailboxSize),
		ctx:           actorCtx,
		cancel:        cancel,
		state:         StateStreamAttached,
		activeProject: project,
		attachedAt:    now,
		lastActivity:  now,
	}

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		cancel()
		return nil, ErrTooManySessions
	}
	r.sessions[a.id] = a
	r.mu.Unlock()

	go a.run()

	metrics := telemetry.GetMetrics()
	metrics.ActiveSessions.Add(ctx, 1)
	metrics.SessionsOpenedTotal.Add(ctx, 1)

	log.Info().
		Str("session_id", a.id).
		Str("user_id", identity.UserID).
		Str("project", project).
		Msg("Session opened")

	return a, nil
}

// Submit queues a message for the session. The error is nil when the message
// was accepted; otherwise the session id was malformed, unknown, or the
// actor could not take the message.
func (r *Registry) Submit(sessionID string, msg Message) error {
	metrics := telemetry.GetMetrics()

	if sessionID == "" || len(sessionID) > maxSessionIDBytes {
		metrics.SubmitRejectedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", "invalid_id")))
		return ErrInvalidSession
	}

	r.mu.RLock()
	a, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		metrics.SubmitRejectedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", "unknown_session")))
		return ErrInvalidSession
	}

	if err := a.submit(msg); err != nil {
		reason := "detached"
		if errors.Is(err, ErrMailboxFull) {
			reason = "mailbox_full"
		}
		metrics.SubmitRejectedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
		return err
	}

	metrics.SubmitAcceptedTotal.Add(context.Background(), 1)

	return nil
}

// Get returns the actor for the session id, or nil when unknown.
func (r *Registry) Get(sessionID string) *Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Count returns the number of live actors, including detached tombstones the
// reaper has not collected yet.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the reaper and terminates every remaining actor.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopReaper)
	})

	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.sessions))
	for _, a := range r.sessions {
		actors = append(actors, a)
	}
	r.sessions = make(map[string]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.terminate()
	}
}

func (r *Registry) runReaper() {
	interval := r.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopReaper:
			return
		case <-ticker.C:
			r.reap(time.Now())
		}
	}
}

// reap removes actors that have been detached past the idle timeout, and
// force-detaches actors that have been attached past the lifetime cap.
func (r *Registry) reap(now time.Time) {
	type victim struct {
		actor  *Actor
		reason string
	}

	r.mu.Lock()
	var victims []victim
	for id, a := range r.sessions {
		state, attachedAt, lastActivity := a.snapshot()

		switch {
		case state == StateDetached && now.Sub(lastActivity) >= r.cfg.IdleTimeout:
			victims = append(victims, victim{actor: a, reason: "idle"})
			delete(r.sessions, id)
		case state != StateDetached && now.Sub(attachedAt) >= r.cfg.MaxLifetime:
			victims = append(victims, victim{actor: a, reason: "lifetime"})
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	metrics := telemetry.GetMetrics()

	for _, v := range victims {
		v.actor.terminate()

		metrics.SessionsReapedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", v.reason)))
		metrics.ActiveSessions.Add(context.Background(), -1)

		log.Info().
			Str("session_id", v.actor.ID()).
			Str("reason", v.reason).
			Msg("Session reaped")
	}
}
