package flow

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowsend/flowsend/internal/models"
	"github.com/flowsend/flowsend/internal/store"
)

const defaultWebhookTimeout = 15 * time.Second

// Engine is the flow engine. One instance serves all tenants; all per-message
// state lives in a Context, so HandleMessage is safe for concurrent use.
// Concurrent messages from the same contact race on the session document;
// the last write wins.
type Engine struct {
	store   store.Store
	clients ClientProvider

	httpClient *http.Client

	// Overridable in tests.
	sleep func(context.Context, time.Duration)
	now   func() time.Time
	newID func() string
}

// Opts holds configuration options for the flow engine.
type Opts struct {
	// HTTPClient is used for webhook actions. Defaults to a client with a
	// 15 second timeout.
	HTTPClient *http.Client
}

// Option configures the flow engine.
type Option func(*Opts)

// WithHTTPClient overrides the HTTP client used for webhook actions.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// NewEngine creates a flow engine backed by the given store and transport
// client provider.
func NewEngine(st store.Store, clients ClientProvider, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Engine{
		store:      st,
		clients:    clients,
		httpClient: cfg.HTTPClient,
		sleep:      sleepContext,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// sleepContext blocks for the given duration or until the context is
// cancelled, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// HandleMessage is the engine's sole entry point. It resumes the contact's
// waiting session if one exists, otherwise scans the tenant's active flows
// for matching triggers. Nothing escapes this method; every internal failure
// is logged and absorbed.
func (e *Engine) HandleMessage(ctx context.Context, msg models.Message) {
	slog.Debug("Engine HandleMessage invoked", "owner", msg.OwnerID, "instance", msg.InstanceID, "from", msg.From)

	sess, err := e.store.GetWaitingSession(msg.OwnerID, msg.InstanceID, msg.From)
	if err != nil {
		slog.Error("Engine failed to look up waiting session", "error", err, "from", msg.From)
		return
	}
	if sess != nil {
		e.resumeSession(ctx, sess, msg)
		return
	}
	e.scanTriggers(ctx, msg)
}

// scanTriggers matches the message against every active flow of the tenant.
// A single message may trigger several distinct flows, but each flow fires at
// most once per message and its trigger counter moves by exactly one.
func (e *Engine) scanTriggers(ctx context.Context, msg models.Message) {
	flows, err := e.store.GetActiveFlows(msg.OwnerID, msg.InstanceID)
	if err != nil {
		slog.Error("Engine failed to load active flows", "error", err, "owner", msg.OwnerID, "instance", msg.InstanceID)
		return
	}

	triggered := 0
	for i := range flows {
		f := &flows[i]
		for _, trigger := range f.TriggerNodes() {
			cfg, ok := trigger.Data.Config.(models.TriggerConfig)
			if !ok || !Matches(cfg, msg) {
				continue
			}
			slog.Debug("Flow triggered", "flowID", f.ID, "nodeID", trigger.ID, "from", msg.From)
			ec := newTriggerContext(msg)
			e.walk(ctx, f, trigger.ID, ec)
			if err := e.store.IncrementFlowTrigger(f.ID, e.now()); err != nil {
				slog.Error("Engine failed to increment trigger counter", "error", err, "flowID", f.ID)
			}
			triggered++
			break
		}
	}
	slog.Debug("Engine trigger scan complete", "from", msg.From, "flowsScanned", len(flows), "triggered", triggered)
}

// resumeSession continues a suspended conversation with the contact's reply.
func (e *Engine) resumeSession(ctx context.Context, sess *models.ConversationSession, msg models.Message) {
	slog.Debug("Engine resuming session", "sessionID", sess.ID, "flowID", sess.FlowID, "nodeID", sess.CurrentNodeID)

	f, err := e.store.GetFlow(sess.FlowID)
	if err != nil {
		slog.Error("Engine failed to load flow for session", "error", err, "sessionID", sess.ID, "flowID", sess.FlowID)
		return
	}
	if f == nil {
		slog.Error("Session references missing flow", "sessionID", sess.ID, "flowID", sess.FlowID)
		e.terminateSession(sess, models.SessionStatusError)
		return
	}
	current := f.NodeByID(sess.CurrentNodeID)
	if current == nil {
		slog.Error("Session references missing node", "sessionID", sess.ID, "nodeID", sess.CurrentNodeID)
		e.terminateSession(sess, models.SessionStatusError)
		return
	}

	response := strings.TrimSpace(msg.Body)
	expected := sess.ExpectedResponse

	valid := false
	nextID := ""
	if expected != nil && expected.ResponseType == models.ResponseChoice && len(expected.Choices) > 0 {
		for _, choice := range expected.Choices {
			if !strings.EqualFold(response, choice.Value) {
				continue
			}
			valid = true
			// An edge labeled with the choice value takes precedence over
			// the choice's own target.
			nextID = choice.TargetNodeID
			for _, edge := range f.EdgesFrom(current.ID) {
				if edge.SourceHandle == choice.Value {
					nextID = edge.Target
					break
				}
			}
			break
		}
	} else if ValidateResponse(response, expected) {
		valid = true
		sess.SetVariable("lastResponse", response)
		if edges := f.EdgesFrom(current.ID); len(edges) > 0 {
			nextID = edges[0].Target
		}
	}

	if !valid {
		slog.Debug("Response failed validation, session stays waiting", "sessionID", sess.ID, "nodeID", sess.CurrentNodeID)
		e.sendValidationError(ctx, sess, expected)
		return
	}

	now := e.now()
	sess.MessageCount++
	sess.ResponseCount++
	sess.LastActivityAt = now
	sess.UpdatedAt = now

	if nextID == "" {
		slog.Debug("Session walked to a dead end", "sessionID", sess.ID)
		e.terminateSession(sess, models.SessionStatusCompleted)
		return
	}
	next := f.NodeByID(nextID)
	if next == nil {
		slog.Error("Session resume resolved a missing node", "sessionID", sess.ID, "nodeID", nextID)
		e.terminateSession(sess, models.SessionStatusError)
		return
	}

	if next.Type != models.NodeTypeResponse {
		sess.IsWaitingForResponse = false
		sess.ExpectedResponse = nil
	}
	sess.CurrentNodeID = nextID
	if sess.Variables == nil {
		sess.Variables = make(map[string]string)
	}
	if err := e.store.SaveSession(sess); err != nil {
		slog.Error("Engine failed to save resumed session", "error", err, "sessionID", sess.ID)
	}

	ec := &Context{
		OwnerID:    sess.OwnerID,
		InstanceID: sess.InstanceID,
		Contact:    sess.ContactNumber,
		Message:    msg,
		Variables:  sess.Variables,
		Session:    sess,
	}
	e.walk(ctx, f, nextID, ec)

	// A resumed walk that did not suspend at another response node has
	// reached the end of the conversation.
	if !sess.IsWaitingForResponse {
		e.terminateSession(sess, models.SessionStatusCompleted)
	}
}

// terminateSession ends a session with the given final status and persists it.
func (e *Engine) terminateSession(sess *models.ConversationSession, status models.SessionStatus) {
	sess.Terminate(status, e.now())
	if err := e.store.SaveSession(sess); err != nil {
		slog.Error("Engine failed to save terminated session", "error", err, "sessionID", sess.ID, "status", status)
	} else {
		slog.Info("Session terminated", "sessionID", sess.ID, "status", status)
	}
}

// sendValidationError tells the contact why their reply was rejected. Send
// failures are logged only; the session stays untouched either way.
func (e *Engine) sendValidationError(ctx context.Context, sess *models.ConversationSession, expected *models.ResponseConfig) {
	sender, ok := e.clients.SenderFor(sess.OwnerID, sess.InstanceID)
	if !ok {
		slog.Error("No transport client for validation error message", "owner", sess.OwnerID, "instance", sess.InstanceID)
		return
	}
	if err := sender.SendMessage(ctx, sess.ContactNumber, validationErrorMessage(expected)); err != nil {
		slog.Error("Failed to send validation error message", "error", err, "contact", sess.ContactNumber)
	}
}
