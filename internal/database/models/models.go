// Package models defines the persisted entities of CallSight.
package models

import "time"

// User roles.
const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

// User is a person who can log in to the admin API. Agents additionally
// own a PBX extension so finished calls can be attributed to them.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	Extension    string     `json:"extension"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Extension maps a dialable extension to an endpoint number.
type Extension struct {
	ID        int64     `json:"id"`
	Extension string    `json:"extension"`
	Number    string    `json:"number"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation kinds and moods.
const (
	ConversationAgentToAgent    = "agent_to_agent"
	ConversationAgentToCustomer = "agent_to_customer"

	MoodPositive = "positive"
	MoodNeutral  = "neutral"
	MoodNegative = "negative"
	MoodUnknown  = "unknown"
)

// Conversation is the analyzed record of one finished call.
type Conversation struct {
	ID         int64     `json:"id"`
	FromUserID int64     `json:"from_user_id"`
	ToUserID   int64     `json:"to_user_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	RecordURL  string    `json:"record_url"`
	Summary    string    `json:"summary"`
	Mood       string    `json:"mood"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is one utterance of a conversation transcript, ordered by Ord,
// with millisecond offsets into the recording.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Speaker        string `json:"speaker"`
	Content        string `json:"content"`
	Mood           string `json:"mood"`
	Ord            int    `json:"ord"`
	StartMS        int64  `json:"start_ms"`
	EndMS          int64  `json:"end_ms"`
}

// Document tracks a recording blob held in the blob store.
type Document struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedBy  string    `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
