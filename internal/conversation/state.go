package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/gomahq/goma/pkg/models"
)

// State is the mutable session state. All access goes through the
// Controller's lock.
type State struct {
	SessionID    string
	History      []models.ChatMessage
	Profile      models.UserProfile
	PersonaIndex int
	StartedAt    time.Time
	UserMessages int64
}

// NewState starts a fresh session.
func NewState() *State {
	return &State{
		SessionID: uuid.New().String(),
		StartedAt: time.Now(),
	}
}

// Snapshot is an immutable copy of session state for stats endpoints.
type Snapshot struct {
	SessionID    string               `json:"session_id"`
	History      []models.ChatMessage `json:"history"`
	Profile      models.UserProfile   `json:"profile"`
	PersonaIndex int                  `json:"persona_index"`
	StartedAt    time.Time            `json:"started_at"`
	UserMessages int64                `json:"user_messages"`
	PendingCount int                  `json:"pending_count"`
	Processing   bool                 `json:"processing"`
	Degraded     bool                 `json:"degraded"`
	AvgReplyMs   float64              `json:"avg_reply_ms"`
	MaxReplyMs   int64                `json:"max_reply_ms"`
	SlowReplies  int64                `json:"slow_replies"`
	PromptTokens int64                `json:"prompt_tokens"`
}
