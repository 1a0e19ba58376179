// Package models contains domain models for goma.
package models

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is a single turn in a conversation, in the shape the
// chat-completion API expects.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams controls a single completion request.
type GenerationParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// UserProfile accumulates what the model has learned about the visitor
// over the course of a session. Name, Email, Company and Position are
// write-once: the first non-empty extraction wins. Context grows over
// the session and is never overwritten.
type UserProfile struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Company  string `json:"company"`
	Position string `json:"position"`
	Context  string `json:"context"`
}

// HasAny reports whether any profile field has been filled in.
func (p UserProfile) HasAny() bool {
	return p.Name != "" || p.Email != "" || p.Company != "" || p.Position != "" || p.Context != ""
}

// UsageStats summarizes a session for the feedback composer.
type UsageStats struct {
	SessionSeconds int64   `json:"session_seconds"`
	UserMessages   int64   `json:"user_messages"`
	AvgReplyMs     float64 `json:"avg_reply_ms"`
	MaxReplyMs     float64 `json:"max_reply_ms"`
	SlowReplies    int64   `json:"slow_replies"`
	Model          string  `json:"model"`
	ModelLoadMs    int64   `json:"model_load_ms"`
}
