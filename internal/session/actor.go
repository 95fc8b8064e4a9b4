package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/models"
	"github.com/wolfeidau/toolgate/internal/telemetry"
)

// Actor is the single execution context for one session. All messages
// submitted under its id are drained by one goroutine in FIFO order, and
// results come back on the Events channel in the same order.
type Actor struct {
	id       string
	identity *models.Identity
	registry *Registry

	mailbox chan Message
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	activeProject string
	attachedAt    time.Time
	lastActivity  time.Time
}

// ID returns the server-generated session id.
func (a *Actor) ID() string {
	return a.id
}

// Identity returns the identity the stream was opened with. Revoking the
// credential later does not retroactively close the stream.
func (a *Actor) Identity() *models.Identity {
	return a.identity
}

// Events returns the channel the stream consumer drains. It is closed when
// the actor terminates, whether by detach, reaping or registry shutdown.
func (a *Actor) Events() <-chan Event {
	return a.events
}

// State returns the actor's current lifecycle state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ActiveProject returns the project subsequent dispatches will use.
func (a *Actor) ActiveProject() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeProject
}

// Detach is called when the stream consumer goes away. The actor becomes a
// tombstone: queued work stops, later submits fail with ErrInvalidSession,
// and the reaper removes it once the idle timeout passes.
func (a *Actor) Detach() {
	a.mu.Lock()
	if a.state == StateDetached || a.state == StateReaped {
		a.mu.Unlock()
		return
	}
	a.state = StateDetached
	a.lastActivity = time.Now()
	a.mu.Unlock()

	a.cancel()

	log.Debug().Str("session_id", a.id).Msg("Session stream detached")
}

// submit queues one message. Rejected when the stream is no longer attached
// or the mailbox is at capacity; never blocks.
func (a *Actor) submit(msg Message) error {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	if state == StateDetached || state == StateReaped {
		return ErrInvalidSession
	}

	select {
	case a.mailbox <- msg:
		a.touch()
		return nil
	default:
		return ErrMailboxFull
	}
}

// run drains the mailbox until the actor is cancelled. Each message produces
// at most one event, emitted in acceptance order.
func (a *Actor) run() {
	defer close(a.events)

	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.mailbox:
			a.transition(StateProcessing)

			started := time.Now()
			ev, project := a.registry.dispatcher.Dispatch(a.ctx, a.identity, a.ActiveProject(), msg)
			telemetry.GetMetrics().DispatchDuration.Record(a.ctx, float64(time.Since(started).Milliseconds()))

			a.setProject(project)

			// notifications produce no event
			if ev.Name != "" {
				select {
				case a.events <- ev:
				case <-a.ctx.Done():
					return
				}
			}

			a.touch()
			a.transition(StateIdle)
		}
	}
}

// terminate marks the actor reaped and stops its goroutine. The caller has
// already removed it from the registry.
func (a *Actor) terminate() {
	a.mu.Lock()
	a.state = StateReaped
	a.mu.Unlock()

	a.cancel()
}

// transition moves the actor between attached-side states. Terminal states
// are never overwritten, so a detach racing the run loop sticks.
func (a *Actor) transition(next State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDetached || a.state == StateReaped {
		return
	}
	a.state = next
}

func (a *Actor) setProject(project string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeProject = project
}

func (a *Actor) touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = time.Now()
}

func (a *Actor) snapshot() (State, time.Time, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.attachedAt, a.lastActivity
}
