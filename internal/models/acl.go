package models

import (
	"slices"
	"time"
)

// AccessControlEntry grants a user access to a set of projects. Absence of an
// entry means the user is denied.
type AccessControlEntry struct {
	UserID         string
	DefaultProject string
	Projects       []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasProject returns true if the entry grants access to the named project.
func (e *AccessControlEntry) HasProject(project string) bool {
	return slices.Contains(e.Projects, project)
}
