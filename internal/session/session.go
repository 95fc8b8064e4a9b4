// Package session implements the per-session actor store. Every open stream
// owns one actor goroutine draining a FIFO mailbox, so all messages for a
// session are processed in acceptance order by a single writer while
// unrelated sessions run fully in parallel.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wolfeidau/toolgate/internal/models"
)

var (
	// ErrInvalidSession is returned when no attached actor exists for a
	// session id. The stream must be opened first and still be attached.
	ErrInvalidSession = errors.New("invalid session")

	// ErrMailboxFull is returned when a session's mailbox is at capacity.
	ErrMailboxFull = errors.New("session mailbox full")

	// ErrTooManySessions is returned when the registry is at capacity.
	ErrTooManySessions = errors.New("session limit reached")
)

// State is an actor's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateStreamAttached
	StateProcessing
	StateIdle
	StateDetached
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStreamAttached:
		return "STREAM_ATTACHED"
	case StateProcessing:
		return "PROCESSING"
	case StateIdle:
		return "IDLE"
	case StateDetached:
		return "DETACHED"
	case StateReaped:
		return "REAPED"
	default:
		return "UNKNOWN"
	}
}

// Message is one client request accepted into a session mailbox.
type Message struct {
	Body       json.RawMessage
	ReceivedAt time.Time
}

// Event is one server-sent payload for the session's stream consumer.
type Event struct {
	// Name is the SSE event name, normally "message".
	Name string

	// Data is the JSON payload.
	Data json.RawMessage
}

// Dispatcher handles one accepted message inside the actor loop. It returns
// the event to emit (a zero-Name event for notifications, which emit
// nothing) plus the project the session uses from now on; implementations
// return activeProject unchanged unless the message was an allowed
// set_project.
type Dispatcher interface {
	Dispatch(ctx context.Context, identity *models.Identity, activeProject string, msg Message) (Event, string)
}

// Defaults for the registry configuration.
const (
	DefaultMaxSessions = 10000
	DefaultMailboxSize = 64
	DefaultIdleTimeout = time.Hour
	DefaultMaxLifetime = 12 * time.Hour

	maxSessionIDBytes = 256
)

// Config tunes the session registry.
type Config struct {
	// MaxSessions caps the number of live actors.
	MaxSessions int

	// MailboxSize caps queued messages per session. A full mailbox rejects
	// the submit rather than blocking the HTTP caller.
	MailboxSize int

	// IdleTimeout bounds how long a detached actor lingers before the
	// reaper removes it.
	IdleTimeout time.Duration

	// MaxLifetime bounds the total lifetime of an attached stream.
	MaxLifetime time.Duration
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
}
