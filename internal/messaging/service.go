// Package messaging turns transport events into inbound flow-engine messages.
//
// Each Service owns one inbound source (a Whatsmeow event stream, a Twilio
// webhook) and emits normalized models.Message values; the Dispatcher fans
// them into the engine.
package messaging

import (
	"context"
	"time"

	"github.com/flowsend/flowsend/internal/models"
)

// Constants for service channel configuration
const (
	// DefaultChannelBufferSize defines the buffer size for message and receipt channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits before a message is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// Service defines a pluggable inbound message source.
type Service interface {
	// Start begins background processing (event handlers, polling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Messages returns the channel of normalized inbound messages.
	Messages() <-chan models.Message

	// Receipts returns the channel of delivery receipt events.
	Receipts() <-chan models.Receipt
}
