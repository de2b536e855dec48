// Package commands loads command templates from a codebase's
// .relay/commands.yaml file.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/relay/internal/models"
)

// FileName is the per-repository command manifest, relative to the repo root.
const FileName = ".relay/commands.yaml"

type manifest struct {
	Commands []entry `yaml:"commands"`
}

type entry struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
}

// Load reads the command manifest from repoPath. A missing manifest is not
// an error; it returns an empty map. Later entries with the same name
// overwrite earlier ones.
func Load(repoPath string) (map[string]models.CommandTemplate, error) {
	data, err := os.ReadFile(filepath.Join(repoPath, FileName))
	if os.IsNotExist(err) {
		return map[string]models.CommandTemplate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}

	templates := make(map[string]models.CommandTemplate, len(m.Commands))
	for _, e := range m.Commands {
		if e.Name == "" {
			continue
		}
		templates[e.Name] = models.CommandTemplate{
			Name:        e.Name,
			Path:        e.Path,
			Description: e.Description,
		}
	}
	return templates, nil
}
