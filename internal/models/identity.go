package models

// Identity is the authenticated caller attached to a request after token or
// session verification. It travels with the request context and is forwarded
// to the backend as headers on dispatch.
type Identity struct {
	UserID    string // stable subject, e.g. "github:1234567"
	Login     string // human-readable login name
	AgentName string // client agent identifier from registration, may be empty
	Project   string // project scope granted for this request
}
