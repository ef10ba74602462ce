// Package catalog loads the playbook catalogue and answers semantic lookups
// over its descriptions, backed by embedding vectors cached on disk.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one playbook the planner can schedule.
type Entry struct {
	Name        string   `yaml:"name" json:"name"`
	Path        string   `yaml:"path" json:"path"`
	Description string   `yaml:"description" json:"description"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Services    []string `yaml:"services,omitempty" json:"services,omitempty"`
}

type catalogFile struct {
	Playbooks []Entry `yaml:"playbooks"`
}

// LoadFile reads and validates the catalogue. Every entry needs a unique
// name, a playbook path, and a description to embed.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Playbooks))
	for i, e := range f.Playbooks {
		switch {
		case e.Name == "":
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		case e.Path == "":
			return nil, fmt.Errorf("catalog entry %q has no path", e.Name)
		case e.Description == "":
			return nil, fmt.Errorf("catalog entry %q has no description", e.Name)
		case seen[e.Name]:
			return nil, fmt.Errorf("catalog entry %q is defined twice", e.Name)
		}
		seen[e.Name] = true
	}
	return f.Playbooks, nil
}

// embedText is the string an entry is embedded under. Tags and service
// names are folded in so a query like "media server" lands near entries
// tagged media even when the description says jellyfin.
func embedText(e Entry) string {
	parts := []string{e.Name, e.Description}
	if len(e.Tags) > 0 {
		parts = append(parts, strings.Join(e.Tags, " "))
	}
	if len(e.Services) > 0 {
		parts = append(parts, strings.Join(e.Services, " "))
	}
	return strings.Join(parts, "\n")
}
