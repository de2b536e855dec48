package models

import "time"

// CommandTemplate is a named prompt template registered on a codebase.
// Path is relative to the codebase root; re-registering the same name
// overwrites the previous entry.
type CommandTemplate struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// Codebase represents a cloned repository the agent can work in.
type Codebase struct {
	ID        string
	Name      string
	Path      string // canonical absolute path on disk
	RepoURL   string
	Commands  map[string]CommandTemplate
	CreatedAt time.Time
	UpdatedAt time.Time
}
