package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowsend/flowsend/internal/flow"
	"github.com/flowsend/flowsend/internal/messaging"
	"github.com/flowsend/flowsend/internal/models"
	"github.com/flowsend/flowsend/internal/store"
	"github.com/flowsend/flowsend/internal/whatsapp"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendMessage(ctx context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, body)
	return nil
}

func (r *recordingSender) SendImage(ctx context.Context, to, url, caption string) error {
	return nil
}

func (r *recordingSender) SendDocument(ctx context.Context, to, url, fileName string) error {
	return nil
}

type testProvider struct {
	sender flow.Sender
}

func (p testProvider) SenderFor(ownerID, instanceID string) (flow.Sender, bool) {
	return p.sender, true
}

func newTestServer(t *testing.T) (*Server, store.Store, *recordingSender) {
	t.Helper()
	st := store.NewInMemoryStore()
	sender := &recordingSender{}
	engine := flow.NewEngine(st, testProvider{sender: sender})
	srv := NewServer(st, engine, whatsapp.NewManager())
	return srv, st, sender
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func validFlowDoc() map[string]interface{} {
	return map[string]interface{}{
		"ownerId":    "owner1",
		"instanceId": "inst1",
		"name":       "greeting flow",
		"active":     true,
		"nodes": []map[string]interface{}{
			{
				"id":   "t1",
				"type": "trigger",
				"data": map[string]interface{}{
					"config": map[string]interface{}{"triggerType": "text_equals", "text": "hi"},
				},
			},
			{
				"id":   "a1",
				"type": "action",
				"data": map[string]interface{}{
					"config": map[string]interface{}{"actionType": "send_message", "message": "hello there"},
				},
			},
		},
		"edges": []map[string]interface{}{
			{"source": "t1", "target": "a1"},
		},
	}
}

func TestCreateFlow(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/v1/flows", validFlowDoc())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["id"] == "" {
		t.Fatalf("expected created flow with id, got %v", resp.Result)
	}

	stored, err := st.GetFlow(result["id"].(string))
	if err != nil || stored == nil {
		t.Fatalf("expected flow persisted, got (%v, %v)", stored, err)
	}
	if len(stored.Nodes) != 2 {
		t.Errorf("expected 2 nodes persisted, got %d", len(stored.Nodes))
	}
}

func TestCreateFlowRejectsInvalidGraph(t *testing.T) {
	srv, _, _ := newTestServer(t)

	doc := validFlowDoc()
	doc["edges"] = []map[string]interface{}{{"source": "t1", "target": "ghost"}}

	rec := doJSON(t, srv, "POST", "/v1/flows", doc)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for dangling edge, got %d", rec.Code)
	}
}

func TestListFlowsRequiresTenantScope(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/v1/flows", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant params, got %d", rec.Code)
	}

	rec = doJSON(t, srv, "GET", "/v1/flows?ownerId=owner1&instanceId=inst1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with tenant params, got %d", rec.Code)
	}
}

func TestGetFlowNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/v1/flows/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestFlowActivationToggle(t *testing.T) {
	srv, st, _ := newTestServer(t)

	doc := validFlowDoc()
	doc["id"] = "flow1"
	if rec := doJSON(t, srv, "POST", "/v1/flows", doc); rec.Code != http.StatusCreated {
		t.Fatalf("create failed with %d", rec.Code)
	}

	if rec := doJSON(t, srv, "POST", "/v1/flows/flow1/deactivate", nil); rec.Code != http.StatusOK {
		t.Fatalf("deactivate failed with %d", rec.Code)
	}
	f, _ := st.GetFlow("flow1")
	if f.Active {
		t.Error("expected flow deactivated")
	}

	if rec := doJSON(t, srv, "POST", "/v1/flows/flow1/activate", nil); rec.Code != http.StatusOK {
		t.Fatalf("activate failed with %d", rec.Code)
	}
	f, _ = st.GetFlow("flow1")
	if !f.Active {
		t.Error("expected flow reactivated")
	}
}

func TestSimulateMessageRunsFlow(t *testing.T) {
	srv, st, sender := newTestServer(t)

	doc := validFlowDoc()
	doc["id"] = "flow1"
	if rec := doJSON(t, srv, "POST", "/v1/flows", doc); rec.Code != http.StatusCreated {
		t.Fatalf("create failed with %d", rec.Code)
	}

	msg := map[string]interface{}{
		"ownerId":    "owner1",
		"instanceId": "inst1",
		"from":       "15551234",
		"body":       "hi",
	}
	rec := doJSON(t, srv, "POST", "/v1/messages/simulate", msg)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != "hello there" {
		t.Errorf("expected the flow's action to send, got %v", sender.sent)
	}

	f, _ := st.GetFlow("flow1")
	if f.TriggerCount != 1 {
		t.Errorf("expected trigger count 1, got %d", f.TriggerCount)
	}
}

func TestSimulateMessageRequiresTenantFields(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/v1/messages/simulate", map[string]interface{}{"body": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestEndSession(t *testing.T) {
	srv, st, _ := newTestServer(t)

	now := time.Now().UTC()
	sess := &models.ConversationSession{
		ID:                   "sess1",
		OwnerID:              "owner1",
		InstanceID:           "inst1",
		ContactNumber:        "15551234",
		FlowID:               "flow1",
		CurrentNodeID:        "r1",
		IsWaitingForResponse: true,
		IsActive:             true,
		Status:               models.SessionStatusActive,
		LastActivityAt:       now,
		Timestamps:           models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	if err := st.SaveSession(sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	rec := doJSON(t, srv, "POST", "/v1/sessions/sess1/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	final, _ := st.GetSession("sess1")
	if final.IsActive || final.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed session, got %+v", final)
	}
	if waiting, _ := st.GetWaitingSession("owner1", "inst1", "15551234"); waiting != nil {
		t.Errorf("expected contact freed for new triggers, got %+v", waiting)
	}
}

func TestInstanceStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/v1/instances/owner1/inst1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disconnected") {
		t.Errorf("expected disconnected status, got %s", rec.Body.String())
	}
}

func TestTwilioWebhookRouting(t *testing.T) {
	srv, _, _ := newTestServer(t)
	svc := messaging.NewTwilioService("owner1", "inst1")
	srv.RegisterWebhook("owner1", "inst1", svc.WebhookHandler)

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hi")
	req := httptest.NewRequest("POST", "/v1/webhooks/twilio/owner1/inst1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for registered instance, got %d", rec.Code)
	}
	select {
	case msg := <-svc.Messages():
		if msg.From != "15551234567" {
			t.Errorf("unexpected sender: %q", msg.From)
		}
	default:
		t.Error("expected the webhook to emit a message")
	}

	req = httptest.NewRequest("POST", "/v1/webhooks/twilio/owner2/inst9", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unregistered instance, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
