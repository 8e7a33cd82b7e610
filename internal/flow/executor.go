package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowsend/flowsend/internal/models"
)

// walk executes the flow graph from a start node as an explicit work list.
// Nodes are visited at most once per walk, so cyclic edges terminate instead
// of looping. Successors are enqueued in edge-list order.
func (e *Engine) walk(ctx context.Context, f *models.Flow, startID string, ec *Context) {
	queue := []string{startID}
	visited := make(map[string]bool)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			slog.Debug("Skipping already visited node", "flowID", f.ID, "nodeID", id)
			continue
		}
		visited[id] = true

		node := f.NodeByID(id)
		if node == nil {
			slog.Error("Edge references missing node", "flowID", f.ID, "nodeID", id)
			continue
		}
		queue = append(queue, e.executeNode(ctx, f, node, ec)...)
	}
}

// executeNode performs one node's effect and returns the ids of the nodes to
// visit next. An error inside a node aborts only that node's continuation.
func (e *Engine) executeNode(ctx context.Context, f *models.Flow, node *models.Node, ec *Context) []string {
	slog.Debug("Executing node", "flowID", f.ID, "nodeID", node.ID, "type", node.Type)

	switch cfg := node.Data.Config.(type) {
	case models.TriggerConfig:
		return targetsOf(f.EdgesFrom(node.ID))

	case models.ActionConfig:
		if err := e.runAction(ctx, cfg, ec); err != nil {
			slog.Error("Action node failed", "flowID", f.ID, "nodeID", node.ID, "actionType", cfg.ActionType, "error", err)
			return nil
		}
		return targetsOf(f.EdgesFrom(node.ID))

	case models.ConditionConfig:
		result := evaluateCondition(cfg, ec.Variables)
		branch := "false"
		if result {
			branch = "true"
		}
		var next []string
		for _, edge := range f.EdgesFrom(node.ID) {
			// Unlabeled edges fire regardless of the outcome.
			if edge.SourceHandle == branch || edge.SourceHandle == "" {
				next = append(next, edge.Target)
			}
		}
		slog.Debug("Condition evaluated", "flowID", f.ID, "nodeID", node.ID, "result", result, "successors", len(next))
		return next

	case models.DelayConfig:
		seconds := cfg.Duration
		if seconds <= 0 {
			seconds = 1
		}
		e.sleep(ctx, time.Duration(seconds)*time.Second)
		return targetsOf(f.EdgesFrom(node.ID))

	case models.ResponseConfig:
		if err := e.executeResponse(ctx, f, node, cfg, ec); err != nil {
			slog.Error("Response node failed", "flowID", f.ID, "nodeID", node.ID, "error", err)
		}
		// The walk suspends here; a future inbound message resumes it.
		return nil

	default:
		slog.Error("Node has no executable config", "flowID", f.ID, "nodeID", node.ID, "type", node.Type)
		return nil
	}
}

func targetsOf(edges []models.Edge) []string {
	targets := make([]string, len(edges))
	for i, e := range edges {
		targets[i] = e.Target
	}
	return targets
}

// runAction dispatches an action node's side effect.
func (e *Engine) runAction(ctx context.Context, cfg models.ActionConfig, ec *Context) error {
	switch cfg.ActionType {
	case models.ActionSendMessage:
		sender, err := e.senderFor(ec)
		if err != nil {
			return err
		}
		return sender.SendMessage(ctx, ec.Contact, Interpolate(cfg.Message, ec.Variables))

	case models.ActionSendImage:
		sender, err := e.senderFor(ec)
		if err != nil {
			return err
		}
		return sender.SendImage(ctx, ec.Contact, cfg.ImageURL, Interpolate(cfg.Caption, ec.Variables))

	case models.ActionSendDocument:
		sender, err := e.senderFor(ec)
		if err != nil {
			return err
		}
		return sender.SendDocument(ctx, ec.Contact, cfg.DocumentURL, cfg.FileName)

	case models.ActionSetVariable:
		ec.Variables[cfg.VariableName] = Interpolate(cfg.Value, ec.Variables)
		return nil

	case models.ActionWebhook:
		e.callWebhook(ctx, cfg, ec)
		return nil

	default:
		return fmt.Errorf("unknown action type %q", cfg.ActionType)
	}
}

func (e *Engine) senderFor(ec *Context) (Sender, error) {
	sender, ok := e.clients.SenderFor(ec.OwnerID, ec.InstanceID)
	if !ok {
		return nil, fmt.Errorf("no transport client for %s/%s", ec.OwnerID, ec.InstanceID)
	}
	return sender, nil
}

// callWebhook posts the walk context to an external URL. Webhook failures
// are swallowed entirely; the walk continues as if the call had succeeded.
func (e *Engine) callWebhook(ctx context.Context, cfg models.ActionConfig, ec *Context) {
	payload, err := json.Marshal(map[string]interface{}{
		"message":   ec.Message.Body,
		"from":      ec.Contact,
		"variables": ec.Variables,
		"timestamp": ec.Message.Timestamp,
	})
	if err != nil {
		slog.Error("Webhook payload marshal failed", "url", cfg.WebhookURL, "error", err)
		return
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("Webhook request construction failed", "url", cfg.WebhookURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		slog.Error("Webhook call failed", "url", cfg.WebhookURL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("Webhook call succeeded", "url", cfg.WebhookURL, "status", resp.StatusCode)
	} else {
		slog.Warn("Webhook returned non-2xx status", "url", cfg.WebhookURL, "status", resp.StatusCode)
	}
}

// executeResponse sends the prompt and suspends the walk by snapshotting the
// expected response into the contact's session. A send failure aborts the
// node, so no session is created for a prompt the contact never saw.
func (e *Engine) executeResponse(ctx context.Context, f *models.Flow, node *models.Node, cfg models.ResponseConfig, ec *Context) error {
	sender, err := e.senderFor(ec)
	if err != nil {
		return err
	}
	if err := sender.SendMessage(ctx, ec.Contact, Interpolate(cfg.Message, ec.Variables)); err != nil {
		return fmt.Errorf("failed to send response prompt: %w", err)
	}

	now := e.now()
	sess := ec.Session
	if sess == nil {
		sess = &models.ConversationSession{
			ID:            e.newID(),
			OwnerID:       ec.OwnerID,
			InstanceID:    ec.InstanceID,
			ContactNumber: ec.Contact,
			MessageCount:  1,
			Timestamps:    models.Timestamps{CreatedAt: now},
		}
	}
	snapshot := cfg
	sess.FlowID = f.ID
	sess.CurrentNodeID = node.ID
	sess.Variables = ec.Variables
	sess.IsWaitingForResponse = true
	sess.ExpectedResponse = &snapshot
	sess.IsActive = true
	sess.Status = models.SessionStatusActive
	sess.LastActivityAt = now
	sess.UpdatedAt = now

	if err := e.store.SaveSession(sess); err != nil {
		return fmt.Errorf("failed to save waiting session: %w", err)
	}
	ec.Session = sess
	slog.Debug("Walk suspended awaiting response", "flowID", f.ID, "nodeID", node.ID, "sessionID", sess.ID)
	return nil
}
