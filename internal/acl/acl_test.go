package acl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/toolgate/internal/kv/memory"
	"github.com/wolfeidau/toolgate/internal/models"
)

type staticCatalog struct {
	projects []string
	err      error
}

func (c *staticCatalog) ListProjects(ctx context.Context) ([]string, error) {
	return c.projects, c.err
}

func newTestStore(t *testing.T) *memory.Store {
	st := memory.New(time.Minute)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEvaluator_Authorize(t *testing.T) {
	t.Run("no entry denies by default", func(t *testing.T) {
		e := NewEvaluator(newTestStore(t), nil, false)

		decision := e.Authorize(context.Background(), "github:1", "notes")
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonNoEntry, decision.Reason)
	})

	t.Run("granted project allows", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, nil, false)
		ctx := context.Background()

		require.NoError(t, e.Put(ctx, &models.AccessControlEntry{
			UserID:         "github:1",
			DefaultProject: "notes",
			Projects:       []string{"notes", "wiki"},
		}))

		decision := e.Authorize(ctx, "github:1", "wiki")
		require.True(t, decision.Allowed)
		require.Equal(t, ReasonAllowed, decision.Reason)
		require.NotNil(t, decision.Entry)
	})

	t.Run("unlisted project denies", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, nil, false)
		ctx := context.Background()

		require.NoError(t, e.Put(ctx, &models.AccessControlEntry{
			UserID:         "github:1",
			DefaultProject: "notes",
			Projects:       []string{"notes"},
		}))

		decision := e.Authorize(ctx, "github:1", "secrets")
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonProjectNotListed, decision.Reason)
	})
}

func TestEvaluator_AutoProvision(t *testing.T) {
	t.Run("creates entry for catalog project", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, &staticCatalog{projects: []string{"notes", "wiki"}}, true)
		ctx := context.Background()

		decision := e.Authorize(ctx, "github:1", "notes")
		require.True(t, decision.Allowed)
		require.Equal(t, ReasonAutoProvisioned, decision.Reason)

		entry, err := e.Get(ctx, "github:1")
		require.NoError(t, err)
		require.Equal(t, "notes", entry.DefaultProject)
		require.Equal(t, []string{"notes"}, entry.Projects)
	})

	t.Run("extends existing entry", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, &staticCatalog{projects: []string{"notes", "wiki"}}, true)
		ctx := context.Background()

		require.NoError(t, e.Put(ctx, &models.AccessControlEntry{
			UserID:         "github:1",
			DefaultProject: "notes",
			Projects:       []string{"notes"},
		}))

		decision := e.Authorize(ctx, "github:1", "wiki")
		require.True(t, decision.Allowed)
		require.Equal(t, ReasonAutoProvisioned, decision.Reason)

		entry, err := e.Get(ctx, "github:1")
		require.NoError(t, err)
		require.Equal(t, "notes", entry.DefaultProject)
		require.Equal(t, []string{"notes", "wiki"}, entry.Projects)
	})

	t.Run("project missing from catalog denies", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, &staticCatalog{projects: []string{"notes"}}, true)

		decision := e.Authorize(context.Background(), "github:1", "secrets")
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonUnknownProject, decision.Reason)

		_, err := e.Get(context.Background(), "github:1")
		require.ErrorIs(t, err, ErrNoEntry)
	})

	t.Run("catalog failure denies", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, &staticCatalog{err: errors.New("backend down")}, true)

		decision := e.Authorize(context.Background(), "github:1", "notes")
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonUnknownProject, decision.Reason)
	})

	t.Run("disabled flag never provisions", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, &staticCatalog{projects: []string{"notes"}}, false)

		decision := e.Authorize(context.Background(), "github:1", "notes")
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonNoEntry, decision.Reason)
	})
}

func TestEvaluator_DefaultProject(t *testing.T) {
	st := newTestStore(t)
	e := NewEvaluator(st, nil, false)
	ctx := context.Background()

	_, err := e.DefaultProject(ctx, "github:1")
	require.ErrorIs(t, err, ErrNoEntry)

	require.NoError(t, e.Put(ctx, &models.AccessControlEntry{
		UserID:         "github:1",
		DefaultProject: "notes",
		Projects:       []string{"notes"},
	}))

	project, err := e.DefaultProject(ctx, "github:1")
	require.NoError(t, err)
	require.Equal(t, "notes", project)
}

func TestEvaluator_SeedFromFile(t *testing.T) {
	t.Run("loads valid entries", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "acl.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`entries:
  - userId: github:1234
    defaultProject: notes
    projects: [notes, wiki]
  - userId: github:5678
    projects: [wiki]
`), 0o600))

		st := newTestStore(t)
		e := NewEvaluator(st, nil, false)

		count, err := e.SeedFromFile(context.Background(), path)
		require.NoError(t, err)
		require.Equal(t, 2, count)

		entry, err := e.Get(context.Background(), "github:1234")
		require.NoError(t, err)
		require.Equal(t, []string{"notes", "wiki"}, entry.Projects)

		// defaultProject falls back to the first project
		entry, err = e.Get(context.Background(), "github:5678")
		require.NoError(t, err)
		require.Equal(t, "wiki", entry.DefaultProject)
	})

	t.Run("default project outside projects is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "acl.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`entries:
  - userId: github:1234
    defaultProject: secrets
    projects: [notes]
`), 0o600))

		st := newTestStore(t)
		e := NewEvaluator(st, nil, false)

		_, err := e.SeedFromFile(context.Background(), path)
		require.Error(t, err)
	})

	t.Run("missing file errors", func(t *testing.T) {
		st := newTestStore(t)
		e := NewEvaluator(st, nil, false)

		_, err := e.SeedFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "acl.yaml")
		require.NoError(t, os.WriteFile(path, []byte("entries: [not: valid"), 0o600))

		st := newTestStore(t)
		e := NewEvaluator(st, nil, false)

		_, err := e.SeedFromFile(context.Background(), path)
		require.Error(t, err)
	})
}
