// Package whatsapp wraps the Whatsmeow client for WhatsApp connectivity in
// FlowSend.
//
// Each tenant instance gets its own Client; the Manager owns the registry of
// connected clients keyed by (ownerID, instanceID).
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/flowsend/flowsend/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database.
	DefaultSQLitePath = "/var/lib/flowsend/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"

	mediaFetchTimeout = 30 * time.Second
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the client to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps one Whatsmeow connection for a single tenant instance.
type Client struct {
	waClient   *whatsmeow.Client
	httpClient *http.Client
}

// NewClient creates and connects a WhatsApp client, walking the QR login flow
// when the device store holds no credentials yet.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received")
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{
		waClient:   waClient,
		httpClient: &http.Client{Timeout: mediaFetchTimeout},
	}, nil
}

// SendMessage sends a text message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	if err := c.checkSendable(to); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// SendImage fetches an image by URL, uploads it to WhatsApp media storage,
// and sends it with the given caption.
func (c *Client) SendImage(ctx context.Context, to, url, caption string) error {
	if err := c.checkSendable(to); err != nil {
		return err
	}

	data, mimeType, err := c.fetchMedia(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to fetch image from %s: %w", url, err)
	}
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		slog.Error("Failed to upload image to WhatsApp", "error", err, "to", to)
		return fmt.Errorf("failed to upload image: %w", err)
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(mimeType),
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    &uploaded.FileLength,
	}}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp image", "error", err, "to", to)
		return fmt.Errorf("failed to send image to %s: %w", to, err)
	}
	slog.Debug("WhatsApp image sent successfully", "to", to)
	return nil
}

// SendDocument fetches a document by URL, uploads it, and sends it with the
// given file name.
func (c *Client) SendDocument(ctx context.Context, to, url, fileName string) error {
	if err := c.checkSendable(to); err != nil {
		return err
	}
	if fileName == "" {
		fileName = "document"
	}

	data, mimeType, err := c.fetchMedia(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to fetch document from %s: %w", url, err)
	}
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		slog.Error("Failed to upload document to WhatsApp", "error", err, "to", to)
		return fmt.Errorf("failed to upload document: %w", err)
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		FileName:      proto.String(fileName),
		Mimetype:      proto.String(mimeType),
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    &uploaded.FileLength,
	}}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp document", "error", err, "to", to)
		return fmt.Errorf("failed to send document to %s: %w", to, err)
	}
	slog.Debug("WhatsApp document sent successfully", "to", to)
	return nil
}

func (c *Client) checkSendable(to string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	return nil
}

// fetchMedia downloads a media file and returns its bytes and content type.
func (c *Client) fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the underlying WhatsApp connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}
