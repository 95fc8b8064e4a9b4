// Package acl evaluates per-user project access. The model is default deny:
// a user with no entry in the store can reach nothing, whatever credentials
// they hold.
package acl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/models"
)

// Decision reasons, logged with every evaluation.
const (
	ReasonAllowed          = "allowed"
	ReasonNoEntry          = "no_acl_entry"
	ReasonProjectNotListed = "project_not_listed"
	ReasonAutoProvisioned  = "auto_provisioned"
	ReasonUnknownProject   = "unknown_project"
)

// ErrNoEntry is returned when a user has no access-control entry.
var ErrNoEntry = errors.New("no access-control entry")

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string

	// Entry is the user's entry after the check, nil when none exists.
	Entry *models.AccessControlEntry
}

// ProjectCatalog reports which projects exist on the backend. Auto-
// provisioning validates requested projects against it rather than trusting
// client input.
type ProjectCatalog interface {
	ListProjects(ctx context.Context) ([]string, error)
}

// Evaluator authorizes users against their stored entries.
type Evaluator struct {
	store         kv.Store
	catalog       ProjectCatalog
	autoProvision bool
}

// NewEvaluator creates an evaluator. catalog may be nil when auto-provision
// is disabled.
func NewEvaluator(store kv.Store, catalog ProjectCatalog, autoProvision bool) *Evaluator {
	return &Evaluator{
		store:         store,
		catalog:       catalog,
		autoProvision: autoProvision,
	}
}

// Authorize decides whether userID may use project. On an auto-provision
// miss the project is verified against the backend catalog before the entry
// is extended.
func (e *Evaluator) Authorize(ctx context.Context, userID, project string) Decision {
	decision := e.evaluate(ctx, userID, project)

	evt := log.Info()
	if !decision.Allowed {
		evt = log.Warn()
	}
	evt.
		Str("user_id", userID).
		Str("project", project).
		Str("reason", decision.Reason).
		Msg("Access control decision")

	return decision
}

func (e *Evaluator) evaluate(ctx context.Context, userID, project string) Decision {
	entry, err := e.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrNoEntry) {
		// A broken store must not grant access.
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load access-control entry")
		return Decision{Allowed: false, Reason: ReasonNoEntry}
	}

	if entry != nil && entry.HasProject(project) {
		return Decision{Allowed: true, Reason: ReasonAllowed, Entry: entry}
	}

	if !e.autoProvision || e.catalog == nil {
		if entry == nil {
			return Decision{Allowed: false, Reason: ReasonNoEntry}
		}
		return Decision{Allowed: false, Reason: ReasonProjectNotListed, Entry: entry}
	}

	return e.provision(ctx, userID, project, entry)
}

// provision extends (or creates) the user's entry after validating the
// project against the backend catalog.
func (e *Evaluator) provision(ctx context.Context, userID, project string, entry *models.AccessControlEntry) Decision {
	projects, err := e.catalog.ListProjects(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backend projects for auto-provision")
		return Decision{Allowed: false, Reason: ReasonUnknownProject, Entry: entry}
	}

	if !slices.Contains(projects, project) {
		return Decision{Allowed: false, Reason: ReasonUnknownProject, Entry: entry}
	}

	now := time.Now()
	if entry == nil {
		entry = &models.AccessControlEntry{
			UserID:         userID,
			DefaultProject: project,
			Projects:       []string{project},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	} else {
		entry.Projects = append(entry.Projects, project)
		entry.UpdatedAt = now
	}

	if err := e.Put(ctx, entry); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to store auto-provisioned entry")
		return Decision{Allowed: false, Reason: ReasonUnknownProject, Entry: nil}
	}

	log.Info().
		Str("user_id", userID).
		Str("project", project).
		Msg("Auto-provisioned project access")

	return Decision{Allowed: true, Reason: ReasonAutoProvisioned, Entry: entry}
}

// Get loads the entry for userID, or ErrNoEntry.
func (e *Evaluator) Get(ctx context.Context, userID string) (*models.AccessControlEntry, error) {
	value, err := e.store.Get(ctx, kv.Key(kv.NamespaceACL, userID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrNoEntry
		}
		return nil, fmt.Errorf("failed to load access-control entry: %w", err)
	}

	var entry models.AccessControlEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode access-control entry: %w", err)
	}

	return &entry, nil
}

// Put stores the entry. Entries never expire; removal is an operator action.
func (e *Evaluator) Put(ctx context.Context, entry *models.AccessControlEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode access-control entry: %w", err)
	}

	if err := e.store.Put(ctx, kv.Key(kv.NamespaceACL, entry.UserID), value, 0); err != nil {
		return fmt.Errorf("failed to store access-control entry: %w", err)
	}

	return nil
}

// DefaultProject resolves the project to use when a caller names none.
func (e *Evaluator) DefaultProject(ctx context.Context, userID string) (string, error) {
	entry, err := e.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	return entry.DefaultProject, nil
}
