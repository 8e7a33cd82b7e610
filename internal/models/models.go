// Package models defines the core data structures for FlowSend.
//
// It includes the flow graph model, conversation sessions, inbound messages,
// and the shared API response envelope used across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for outbound message content
	MaxMessageBodyLength = 4096
	// MaxFlowNameLength defines the maximum allowed length for a flow name
	MaxFlowNameLength = 200
	// MaxVariableNameLength defines the maximum allowed length for a variable name
	MaxVariableNameLength = 100
)

// Error variables for better error handling and testability
var (
	ErrEmptyFlowName      = errors.New("flow name cannot be empty")
	ErrFlowNameTooLong    = errors.New("flow name exceeds maximum length")
	ErrNoNodes            = errors.New("flow must contain at least one node")
	ErrDuplicateNodeID    = errors.New("duplicate node id in flow")
	ErrEmptyNodeID        = errors.New("node id cannot be empty")
	ErrInvalidNodeType    = errors.New("invalid node type")
	ErrDanglingEdge       = errors.New("edge references a node id that does not exist")
	ErrMissingTriggerText = errors.New("trigger text is required for this trigger type")
	ErrInvalidTriggerType = errors.New("invalid trigger type")
	ErrInvalidPattern     = errors.New("trigger pattern is not a valid regular expression")
	ErrInvalidActionType  = errors.New("invalid action type")
	ErrMissingActionField = errors.New("action config is missing a required field")
	ErrInvalidOperator    = errors.New("invalid condition operator")
	ErrInvalidResponse    = errors.New("invalid response type")
	ErrMissingChoices     = errors.New("choice response requires at least one choice")
)

// Message represents an inbound chat message as seen by the flow engine.
//
// The transport layer resolves sender metadata before handing the message to
// the engine; SenderName and PushName may both be empty when the contact is
// unknown.
type Message struct {
	OwnerID    string `json:"ownerId"`
	InstanceID string `json:"instanceId"`
	From       string `json:"from"` // contact number, digits only
	Body       string `json:"body"`
	SenderName string `json:"senderName,omitempty"`
	PushName   string `json:"pushName,omitempty"`
	HasMedia   bool   `json:"hasMedia,omitempty"`
	MediaType  string `json:"mediaType,omitempty"` // e.g. "image", "video", "audio", "document"
	Timestamp  int64  `json:"timestamp"`
}

// ContactName returns the best display name for the message sender,
// falling back through contact name, push name, and "Unknown".
func (m Message) ContactName() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	if m.PushName != "" {
		return m.PushName
	}
	return "Unknown"
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the delivery status of an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Timestamps embeds creation and update times shared by stored documents.
type Timestamps struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
