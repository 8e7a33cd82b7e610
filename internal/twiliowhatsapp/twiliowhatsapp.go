// Package twiliowhatsapp wraps the Twilio API as an alternate WhatsApp
// transport for FlowSend, used when a tenant routes through Twilio's business
// API instead of a direct device link.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp. It satisfies the same send
// surface as the direct Whatsmeow client, so the engine cannot tell the two
// transports apart.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a Twilio WhatsApp client, falling back to the TWILIO_*
// environment variables for any option left unset.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

// SendMessage sends a WhatsApp text message through Twilio.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendImage sends an image by URL with a caption. Twilio fetches the media
// itself, so no local download is needed.
func (c *Client) SendImage(ctx context.Context, to, url, caption string) error {
	return c.sendMedia(ctx, to, url, caption)
}

// SendDocument sends a document by URL. Twilio derives the file name from the
// URL; the fileName argument is accepted for interface parity and logged only.
func (c *Client) SendDocument(ctx context.Context, to, url, fileName string) error {
	slog.Debug("Twilio sending document", "to", to, "fileName", fileName)
	return c.sendMedia(ctx, to, url, "")
}

func (c *Client) sendMedia(ctx context.Context, to, url, caption string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{url})
	if caption != "" {
		params.SetBody(caption)
	}

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio media send failed", "to", to, "url", url, "error", err)
		return fmt.Errorf("failed to send media to %s: %w", to, err)
	}
	slog.Debug("Twilio media sent", "to", to, "url", url)
	return nil
}
