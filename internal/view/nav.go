package view

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bugbridge/dashboard/internal/session"
)

// NavEntry is one header link.
type NavEntry struct {
	Label string         `yaml:"label"`
	Path  string         `yaml:"path"`
	Roles []session.Role `yaml:"roles"`
}

// ParseNav decodes the navigation manifest.
func ParseNav(data []byte) ([]NavEntry, error) {
	var entries []NavEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("view: parse nav: %w", err)
	}
	for i, entry := range entries {
		if strings.TrimSpace(entry.Label) == "" || !strings.HasPrefix(entry.Path, "/") {
			return nil, fmt.Errorf("view: nav entry %d: label and absolute path required", i)
		}
		for _, role := range entry.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("view: nav entry %q: %w: %q", entry.Label, session.ErrInvalidRole, role)
			}
		}
	}
	return entries, nil
}

// FilterNav keeps the entries user may see. Anonymous users see none.
func FilterNav(entries []NavEntry, user *session.Identity) []NavEntry {
	if user == nil {
		return []NavEntry{}
	}
	visible := make([]NavEntry, 0, len(entries))
	for _, entry := range entries {
		if session.Permits(user, entry.Roles...) {
			visible = append(visible, entry)
		}
	}
	return visible
}
