package acl

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/toolgate/internal/models"
)

// SeedFile is the YAML shape of an access-control seed file:
//
//	entries:
//	  - userId: github:1234
//	    defaultProject: notes
//	    projects: [notes, wiki]
type SeedFile struct {
	Entries []SeedEntry `yaml:"entries"`
}

// SeedEntry is one user's grant in a seed file.
type SeedEntry struct {
	UserID         string   `yaml:"userId"`
	DefaultProject string   `yaml:"defaultProject"`
	Projects       []string `yaml:"projects"`
}

// Validate checks a seed entry is internally consistent.
func (s *SeedEntry) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if len(s.Projects) == 0 {
		return fmt.Errorf("projects must not be empty for %s", s.UserID)
	}
	if s.DefaultProject == "" {
		s.DefaultProject = s.Projects[0]
	}
	if !slices.Contains(s.Projects, s.DefaultProject) {
		return fmt.Errorf("defaultProject %q is not in projects for %s", s.DefaultProject, s.UserID)
	}
	return nil
}

// SeedFromFile loads entries from a YAML seed file into the store, replacing
// any existing entries for the same users. Returns the number loaded.
func (e *Evaluator) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}

	now := time.Now()
	for i := range seed.Entries {
		se := &seed.Entries[i]
		if err := se.Validate(); err != nil {
			return 0, fmt.Errorf("invalid seed entry %d: %w", i, err)
		}

		entry := &models.AccessControlEntry{
			UserID:         se.UserID,
			DefaultProject: se.DefaultProject,
			Projects:       se.Projects,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := e.Put(ctx, entry); err != nil {
			return 0, fmt.Errorf("failed to seed entry for %s: %w", se.UserID, err)
		}
	}

	log.Info().Int("count", len(seed.Entries)).Str("path", path).Msg("Loaded access-control seed file")

	return len(seed.Entries), nil
}
