package domain

import "time"

// MessageRole distinguishes the three roles in a trading session transcript.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one entry in a Session's ordered conversation.
type Message struct {
	SessionID   int64
	Seq         int64 // monotonically sequenced within the session
	Role        MessageRole
	Content     string
	ToolCallID  string // correlates a tool role message with the assistant call that invoked it
	ToolName    string
	CreatedAt   time.Time
}

// Session is the container for one (agent, timestamp)'s conversation.
// Created lazily when the first message for the pair arrives; uniqueness on
// (agent, timestamp) is enforced by the store (spec §9).
type Session struct {
	ID        int64
	Agent     string
	Timestamp Timestamp
}
