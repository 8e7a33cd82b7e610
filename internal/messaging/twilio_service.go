package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flowsend/flowsend/internal/models"
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioService adapts inbound Twilio webhooks into normalized messages for
// one tenant instance. Outbound sends go through the twiliowhatsapp client
// registered with the transport manager, not through this service.
type TwilioService struct {
	ownerID    string
	instanceID string

	messages chan models.Message
	receipts chan models.Receipt
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a webhook-fed inbound service for a tenant instance.
func NewTwilioService(ownerID, instanceID string) *TwilioService {
	return &TwilioService{
		ownerID:    ownerID,
		instanceID: instanceID,
		messages:   make(chan models.Message, DefaultChannelBufferSize),
		receipts:   make(chan models.Receipt, DefaultChannelBufferSize),
		done:       make(chan struct{}),
	}
}

// Start is a no-op; Twilio pushes events via the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the channels. Further webhook deliveries are dropped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
		close(s.receipts)
	}()
	return nil
}

// Messages returns the channel of normalized inbound messages.
func (s *TwilioService) Messages() <-chan models.Message {
	return s.messages
}

// Receipts returns the channel of delivery receipt events.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// CanonicalizeRecipient strips a phone number down to digits and checks it is
// long enough to be routable.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if recipient != canonical {
		slog.Debug("Canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// WebhookHandler handles inbound Twilio webhook requests, normalizing form
// fields into a models.Message. Media counts are mapped onto HasMedia.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	numMedia := r.FormValue("NumMedia")

	canonical, err := CanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook with unusable sender", "from", from, "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.Message{
		OwnerID:    s.ownerID,
		InstanceID: s.instanceID,
		From:       canonical,
		Body:       body,
		PushName:   r.FormValue("ProfileName"),
		Timestamp:  time.Now().Unix(),
	}
	if numMedia != "" && numMedia != "0" {
		msg.HasMedia = true
		msg.MediaType = mediaTypeFromContentType(r.FormValue("MediaContentType0"))
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", msg.From, "hasMedia", msg.HasMedia)
	s.safeEmitMessage(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func mediaTypeFromContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

func (s *TwilioService) safeEmitMessage(msg models.Message) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService messages channel blocked, dropping message", "from", msg.From)
	}
}
