package models

import "time"

// Platform identifies the external surface a conversation lives on.
type Platform string

const (
	PlatformGitHub  Platform = "github"
	PlatformSlack   Platform = "slack"
	PlatformDiscord Platform = "discord"
	PlatformWeb     Platform = "web"
	PlatformCLI     Platform = "cli"
)

// Conversation binds one surface-native thread to a codebase, a working
// directory, and (via lookup) an active session. Conversations are never
// physically deleted, only unlinked.
type Conversation struct {
	ID                     string
	Platform               Platform
	PlatformConversationID string // unique together with Platform
	CodebaseID             string // empty when no codebase is linked
	Cwd                    string // current working directory, may equal WorktreePath
	WorktreePath           string // empty when no worktree is attached
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
