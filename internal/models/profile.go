package models

import "time"

// Profile represents the signed-in user as reported by the profile endpoint.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Subscription represents the user's billing state. It is cached separately from the profile
// because the two refresh on different schedules.
type Subscription struct {
	Plan       string    `json:"plan"`
	Status     string    `json:"status"`
	RenewsAt   time.Time `json:"renewsAt,omitempty"`
	MessageCap int       `json:"messageCap,omitempty"`
}

// ConversationSummary is one row of the conversation list: enough to render a sidebar entry
// without loading the conversation's messages.
type ConversationSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	LastMessage string    `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
