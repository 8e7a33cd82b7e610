// Package flow implements the conversational flow engine: trigger matching,
// graph walking, response validation, and the per-contact session lifecycle.
//
// The engine's sole public entry point is Engine.HandleMessage. Every inbound
// message either resumes a waiting ConversationSession or is matched against
// the trigger nodes of the tenant's active flows; internal failures are
// logged and never propagate past HandleMessage.
package flow

import (
	"context"

	"github.com/flowsend/flowsend/internal/models"
)

// Sender sends outbound messages to a contact over the chat transport.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to, url, caption string) error
	SendDocument(ctx context.Context, to, url, fileName string) error
}

// ClientProvider resolves the transport client for a tenant instance.
// The engine never holds clients itself; it looks one up per walk.
type ClientProvider interface {
	SenderFor(ownerID, instanceID string) (Sender, bool)
}

// Context is the ephemeral state of one graph walk. Variables accumulate
// across the walk and are persisted only when a response node snapshots them
// into a session.
type Context struct {
	OwnerID    string
	InstanceID string
	Contact    string
	Message    models.Message
	Variables  map[string]string
	Session    *models.ConversationSession
}

// newTriggerContext seeds a fresh walk context from an inbound message.
func newTriggerContext(msg models.Message) *Context {
	return &Context{
		OwnerID:    msg.OwnerID,
		InstanceID: msg.InstanceID,
		Contact:    msg.From,
		Message:    msg,
		Variables: map[string]string{
			"messageText":  msg.Body,
			"senderNumber": msg.From,
			"senderName":   msg.ContactName(),
			"timestamp":    formatTimestamp(msg.Timestamp),
		},
	}
}
