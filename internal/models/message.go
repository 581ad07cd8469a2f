package models

import "time"

// Role represents the role of a message participant.
type Role string

// MessageKind represents the kind of content a message carries.
type MessageKind string

const (
	// RoleUser represents a message submitted by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"

	// KindText represents plain text content.
	KindText MessageKind = "text"
	// KindImage represents a terminal image result; Content holds the image URL.
	KindImage MessageKind = "image"
	// KindError represents a failed turn; Content holds a user-facing message.
	KindError MessageKind = "error"
)

// Message represents an individual entry within a conversation. A user message is created on
// submission and never changes; an assistant message is created when its turn starts, is mutated
// in place while Streaming is true, and is frozen once the turn completes or fails. ID is unique
// and stable for the lifetime of the session so consumers never render duplicate entries.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Model     string         `json:"model,omitempty"`
	Kind      MessageKind    `json:"kind"`
	Streaming bool           `json:"streaming"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stage identifies where a streaming turn currently is in its lifecycle.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageRouting    Stage = "routing"
	StageProcessing Stage = "processing"
	StageGenerating Stage = "generating"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// StreamingState describes the progress of the active turn. It is transient: reset at the start
// of every turn and never persisted.
type StreamingState struct {
	Active          bool
	CurrentModel    string
	Stage           Stage
	ProgressPercent int
	Err             string
}
