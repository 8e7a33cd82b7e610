// Package models defines conversation session state for suspended flows.
package models

import "time"

// SessionStatus represents the lifecycle status of a conversation session.
type SessionStatus string

const (
	// SessionStatusActive indicates the conversation is in progress.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted indicates the flow walked to a dead end.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusError indicates the session was force-terminated
	// because a referenced node or flow could not be resolved.
	SessionStatusError SessionStatus = "error"
)

// ConversationSession tracks which flow and node a suspended conversation is
// waiting at for one contact. At most one session per
// (ownerId, instanceId, contactNumber) should be active at a time; this is
// best effort, not transactionally enforced.
type ConversationSession struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	InstanceID    string `json:"instanceId"`
	ContactNumber string `json:"contactNumber"`

	FlowID        string            `json:"flowId"`
	CurrentNodeID string            `json:"currentNodeId"`
	Variables     map[string]string `json:"variables,omitempty"`

	IsWaitingForResponse bool            `json:"isWaitingForResponse"`
	ExpectedResponse     *ResponseConfig `json:"expectedResponse,omitempty"`

	IsActive bool          `json:"isActive"`
	Status   SessionStatus `json:"status"`

	MessageCount   int        `json:"messageCount"`
	ResponseCount  int        `json:"responseCount"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Timestamps
}

// SetVariable stores a value in the session's variable bag,
// allocating the bag on first use.
func (s *ConversationSession) SetVariable(name, value string) {
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.Variables[name] = value
}

// Terminate marks the session inactive with the given final status.
func (s *ConversationSession) Terminate(status SessionStatus, at time.Time) {
	s.IsActive = false
	s.IsWaitingForResponse = false
	s.Status = status
	s.CompletedAt = &at
	s.UpdatedAt = at
}
