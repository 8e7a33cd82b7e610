package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/flowsend/flowsend/internal/models"
	"github.com/flowsend/flowsend/internal/whatsapp"
)

// WhatsAppService adapts one tenant instance's Whatsmeow event stream into
// normalized inbound messages.
type WhatsAppService struct {
	ownerID    string
	instanceID string
	client     *whatsapp.Client

	messages chan models.Message
	receipts chan models.Receipt
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a service for the given tenant instance.
func NewWhatsAppService(ownerID, instanceID string, client *whatsapp.Client) *WhatsAppService {
	return &WhatsAppService{
		ownerID:    ownerID,
		instanceID: instanceID,
		client:     client,
		messages:   make(chan models.Message, DefaultChannelBufferSize),
		receipts:   make(chan models.Receipt, DefaultChannelBufferSize),
		done:       make(chan struct{}),
	}
}

// Start registers the event handler on the underlying Whatsmeow client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked", "owner", s.ownerID, "instance", s.instanceID)
	if s.client == nil || s.client.GetClient() == nil {
		slog.Debug("WhatsAppService has no live client, skipping event handling")
		return nil
	}

	s.client.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered", "owner", s.ownerID, "instance", s.instanceID)
	return nil
}

// Stop closes the channels and stops event forwarding.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.messages)
	close(s.receipts)
	slog.Info("WhatsAppService stopped", "owner", s.ownerID, "instance", s.instanceID)
	return nil
}

// Messages returns the channel of normalized inbound messages.
func (s *WhatsAppService) Messages() <-chan models.Message {
	return s.messages
}

// Receipts returns the channel of delivery receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// handleIncomingMessage normalizes a Whatsmeow message event. Text is pulled
// from plain and extended messages; media messages keep their caption as the
// body so text triggers can still match it.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	msg := models.Message{
		OwnerID:    s.ownerID,
		InstanceID: s.instanceID,
		From:       evt.Info.Sender.User,
		PushName:   evt.Info.PushName,
		Timestamp:  evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.Conversation != nil:
		msg.Body = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		msg.Body = evt.Message.ExtendedTextMessage.GetText()
	case evt.Message.ImageMessage != nil:
		msg.HasMedia = true
		msg.MediaType = "image"
		msg.Body = evt.Message.ImageMessage.GetCaption()
	case evt.Message.VideoMessage != nil:
		msg.HasMedia = true
		msg.MediaType = "video"
		msg.Body = evt.Message.VideoMessage.GetCaption()
	case evt.Message.AudioMessage != nil:
		msg.HasMedia = true
		msg.MediaType = "audio"
	case evt.Message.DocumentMessage != nil:
		msg.HasMedia = true
		msg.MediaType = "document"
		msg.Body = evt.Message.DocumentMessage.GetCaption()
	default:
		slog.Debug("WhatsAppService ignoring unsupported message kind", "from", msg.From)
		return
	}

	s.safeEmitMessage(msg)
}

// handleMessageReceipt forwards delivery and read receipts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}

	receipt := models.Receipt{
		To:     evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	}

	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

func (s *WhatsAppService) safeEmitMessage(msg models.Message) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("WhatsAppService inbound message forwarded", "from", msg.From, "hasMedia", msg.HasMedia)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", msg.From)
	}
}
