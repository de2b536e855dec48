package models

import "time"

// ResumeRequest records that the user asked to resume a prior dialogue.
// Digest is prepended to the next prompt exactly once, then cleared.
type ResumeRequest struct {
	Count  int    `json:"count"`
	Digest string `json:"digest"`
}

// SessionMeta is the closed set of signals persisted alongside a session.
// LastCommand drives phase-reset detection (an execute-style command
// following a plan-style one starts a fresh session).
type SessionMeta struct {
	LastCommand     string         `json:"last_command,omitempty"`
	ResumeRequested *ResumeRequest `json:"resume_requested,omitempty"`
}

// Session is one continuous, resumable dialogue with the agent backend.
// Invariant: at most one active session per conversation.
type Session struct {
	ID             string
	ConversationID string
	CodebaseID     string
	ResumeToken    string // empty until the backend first reports one
	Active         bool
	Meta           SessionMeta
	StartedAt      time.Time
	EndedAt        *time.Time
}
