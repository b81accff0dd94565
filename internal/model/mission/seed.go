package mission

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Missions []Mission `yaml:"missions"`
}

// LoadSeedFile reads missions from a YAML document of the form `missions: [...]`.
func LoadSeedFile(path string) ([]Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mission: read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed missions.
func ParseSeed(data []byte) ([]Mission, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mission: parse seed: %w", err)
	}
	for i, m := range file.Missions {
		if m.ID == "" {
			return nil, fmt.Errorf("mission: seed entry %d: id is required", i)
		}
		if m.CreatedBy == "" {
			return nil, fmt.Errorf("mission: seed entry %s: createdBy is required", m.ID)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("mission: seed entry %s: %w", m.ID, err)
		}
	}
	return file.Missions, nil
}

// Seed inserts missions that are not yet present and returns how many were created.
func Seed(ctx context.Context, store Store, missions []Mission) (int, error) {
	created := 0
	for _, m := range missions {
		if _, err := store.Create(ctx, m); err != nil {
			if errors.Is(err, ErrMissionExists) {
				continue
			}
			return created, fmt.Errorf("mission: seed %s: %w", m.ID, err)
		}
		created++
	}
	return created, nil
}
