package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowsend/flowsend/internal/models"
	"github.com/flowsend/flowsend/internal/store"
)

const (
	testOwner    = "owner1"
	testInstance = "inst1"
	testContact  = "15551234"
)

// recorder collects ordered events (sends, sleeps) across mocks.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// mockSender records outbound sends, optionally failing on a specific body.
type mockSender struct {
	rec      *recorder
	failBody string
}

func (m *mockSender) SendMessage(ctx context.Context, to, body string) error {
	if m.failBody != "" && body == m.failBody {
		return fmt.Errorf("simulated send failure")
	}
	m.rec.add("message:" + body)
	return nil
}

func (m *mockSender) SendImage(ctx context.Context, to, url, caption string) error {
	m.rec.add("image:" + url + ":" + caption)
	return nil
}

func (m *mockSender) SendDocument(ctx context.Context, to, url, fileName string) error {
	m.rec.add("document:" + url + ":" + fileName)
	return nil
}

type staticProvider struct {
	sender Sender
}

func (p staticProvider) SenderFor(ownerID, instanceID string) (Sender, bool) {
	if p.sender == nil {
		return nil, false
	}
	return p.sender, true
}

// sentMessages filters the recorder down to message bodies.
func sentMessages(rec *recorder) []string {
	var bodies []string
	for _, ev := range rec.all() {
		if strings.HasPrefix(ev, "message:") {
			bodies = append(bodies, strings.TrimPrefix(ev, "message:"))
		}
	}
	return bodies
}

// newTestEngine wires an engine with an instant sleep and a counting id source.
func newTestEngine(st store.Store, sender Sender) *Engine {
	e := NewEngine(st, staticProvider{sender: sender})
	e.sleep = func(context.Context, time.Duration) {}
	nextID := 0
	e.newID = func() string {
		nextID++
		return fmt.Sprintf("sess-%d", nextID)
	}
	return e
}

func inbound(body string) models.Message {
	return models.Message{
		OwnerID:    testOwner,
		InstanceID: testInstance,
		From:       testContact,
		Body:       body,
		SenderName: "Ada",
		Timestamp:  1700000000,
	}
}

func triggerEquals(id, text string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTrigger, Data: models.NodeData{
		Config: models.TriggerConfig{TriggerType: models.TriggerTextEquals, Text: text},
	}}
}

func triggerAny(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTrigger, Data: models.NodeData{
		Config: models.TriggerConfig{TriggerType: models.TriggerAnyMessage},
	}}
}

func sendNode(id, message string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeAction, Data: models.NodeData{
		Config: models.ActionConfig{ActionType: models.ActionSendMessage, Message: message},
	}}
}

func responseNode(id string, cfg models.ResponseConfig) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeResponse, Data: models.NodeData{Config: cfg}}
}

func testFlow(id string, nodes []models.Node, edges []models.Edge) *models.Flow {
	return &models.Flow{
		ID:         id,
		OwnerID:    testOwner,
		InstanceID: testInstance,
		Name:       "flow " + id,
		Active:     true,
		Nodes:      nodes,
		Edges:      edges,
	}
}

func mustCreateFlow(t *testing.T, st store.Store, f *models.Flow) {
	t.Helper()
	if err := f.Validate(); err != nil {
		t.Fatalf("test flow %s is invalid: %v", f.ID, err)
	}
	if err := st.CreateFlow(f); err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}
}

// Scenario: trigger "hi" sends a prompt and suspends at a choice response;
// replying "1" routes over the labeled edge and completes the session.
func TestChoiceConversationEndToEnd(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			sendNode("a1", "Hello! Reply 1 or 2"),
			responseNode("r1", models.ResponseConfig{
				Message:      "Waiting for your pick",
				ResponseType: models.ResponseChoice,
				Choices:      []models.Choice{{Label: "One", Value: "1"}, {Label: "Two", Value: "2"}},
			}),
			sendNode("a2", "You picked one"),
		},
		[]models.Edge{
			{Source: "t1", Target: "a1"},
			{Source: "a1", Target: "r1"},
			{Source: "r1", Target: "a2", SourceHandle: "1"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	got := sentMessages(sender.rec)
	want := []string{"Hello! Reply 1 or 2", "Waiting for your pick"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected sends %v, got %v", want, got)
	}

	sess, err := st.GetWaitingSession(testOwner, testInstance, testContact)
	if err != nil || sess == nil {
		t.Fatalf("expected a waiting session, got (%v, %v)", sess, err)
	}
	if !sess.IsWaitingForResponse || sess.CurrentNodeID != "r1" {
		t.Errorf("session not suspended at r1: %+v", sess)
	}
	if sess.ExpectedResponse == nil || sess.ExpectedResponse.ResponseType != models.ResponseChoice {
		t.Errorf("expected a choice response snapshot, got %+v", sess.ExpectedResponse)
	}
	stored, _ := st.GetFlow("f1")
	if stored.TriggerCount != 1 {
		t.Errorf("expected trigger count 1, got %d", stored.TriggerCount)
	}

	e.HandleMessage(context.Background(), inbound("1"))

	got = sentMessages(sender.rec)
	if len(got) != 3 || got[2] != "You picked one" {
		t.Fatalf("expected the choice branch message, got %v", got)
	}
	final, _ := st.GetSession(sess.ID)
	if final == nil || final.IsActive || final.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed session, got %+v", final)
	}
	if waiting, _ := st.GetWaitingSession(testOwner, testInstance, testContact); waiting != nil {
		t.Errorf("expected no waiting session after completion, got %+v", waiting)
	}
}

// A labeled edge must win over the choice's own targetNodeId.
func TestChoiceRoutingEdgePrecedence(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			responseNode("r1", models.ResponseConfig{
				Message:      "Pick",
				ResponseType: models.ResponseChoice,
				Choices:      []models.Choice{{Label: "One", Value: "1", TargetNodeID: "aTarget"}},
			}),
			sendNode("aTarget", "via targetNodeId"),
			sendNode("aEdge", "via labeled edge"),
		},
		[]models.Edge{
			{Source: "t1", Target: "r1"},
			{Source: "r1", Target: "aEdge", SourceHandle: "1"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))
	e.HandleMessage(context.Background(), inbound("1"))

	got := sentMessages(sender.rec)
	if len(got) != 2 || got[1] != "via labeled edge" {
		t.Fatalf("expected the labeled edge to win, got %v", got)
	}
}

// Without a labeled edge the choice's targetNodeId routes the walk.
func TestChoiceRoutingTargetNodeFallback(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			responseNode("r1", models.ResponseConfig{
				Message:      "Pick",
				ResponseType: models.ResponseChoice,
				Choices:      []models.Choice{{Label: "One", Value: "1", TargetNodeID: "aTarget"}},
			}),
			sendNode("aTarget", "via targetNodeId"),
		},
		[]models.Edge{
			{Source: "t1", Target: "r1"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))
	e.HandleMessage(context.Background(), inbound("1"))

	got := sentMessages(sender.rec)
	if len(got) != 2 || got[1] != "via targetNodeId" {
		t.Fatalf("expected routing via targetNodeId, got %v", got)
	}
}

// A contact with a waiting session must never also trigger flows.
func TestResumeSuppressesTriggerScan(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerAny("t1"),
			responseNode("r1", models.ResponseConfig{Message: "Say anything"}),
		},
		[]models.Edge{{Source: "t1", Target: "r1"}},
	)
	mustCreateFlow(t, st, f)

	// First message suspends at r1.
	e.HandleMessage(context.Background(), inbound("hello"))
	stored, _ := st.GetFlow("f1")
	if stored.TriggerCount != 1 {
		t.Fatalf("expected trigger count 1 after first message, got %d", stored.TriggerCount)
	}

	// Second message resumes; the any_message trigger must not fire again.
	e.HandleMessage(context.Background(), inbound("a reply"))
	stored, _ = st.GetFlow("f1")
	if stored.TriggerCount != 1 {
		t.Errorf("expected trigger count to stay 1, got %d", stored.TriggerCount)
	}
	got := sentMessages(sender.rec)
	if len(got) != 1 {
		t.Errorf("expected only the initial prompt to be sent, got %v", got)
	}
}

// Both the matching boolean branch and unlabeled edges fire from a condition.
func TestConditionFanOut(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			{ID: "c1", Type: models.NodeTypeCondition, Data: models.NodeData{
				Config: models.ConditionConfig{Variable: "messageText", Operator: models.OperatorEquals, Value: "hi"},
			}},
			sendNode("aTrue", "true branch"),
			sendNode("aFalse", "false branch"),
			sendNode("aAlways", "catch-all branch"),
		},
		[]models.Edge{
			{Source: "t1", Target: "c1"},
			{Source: "c1", Target: "aTrue", SourceHandle: "true"},
			{Source: "c1", Target: "aFalse", SourceHandle: "false"},
			{Source: "c1", Target: "aAlways"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	got := sentMessages(sender.rec)
	if len(got) != 2 {
		t.Fatalf("expected 2 sends, got %v", got)
	}
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["true branch"] || !seen["catch-all branch"] {
		t.Errorf("expected true and catch-all branches, got %v", got)
	}
}

// Cyclic edges terminate because each node runs at most once per walk.
func TestCycleGuard(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			sendNode("a1", "first"),
			sendNode("a2", "second"),
		},
		[]models.Edge{
			{Source: "t1", Target: "a1"},
			{Source: "a1", Target: "a2"},
			{Source: "a2", Target: "a1"},
		},
	)
	mustCreateFlow(t, st, f)

	done := make(chan struct{})
	go func() {
		e.HandleMessage(context.Background(), inbound("hi"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("walk did not terminate on a cyclic graph")
	}

	got := sentMessages(sender.rec)
	if len(got) != 2 {
		t.Errorf("expected each node to execute once, got %v", got)
	}
}

// A flow with several matching triggers fires once and counts once.
func TestTriggerCountedOncePerFlow(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			triggerAny("t2"),
			sendNode("a1", "greeted"),
		},
		[]models.Edge{
			{Source: "t1", Target: "a1"},
			{Source: "t2", Target: "a1"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	stored, _ := st.GetFlow("f1")
	if stored.TriggerCount != 1 {
		t.Errorf("expected trigger count 1, got %d", stored.TriggerCount)
	}
	if got := sentMessages(sender.rec); len(got) != 1 {
		t.Errorf("expected one send, got %v", got)
	}
}

// One inbound message may trigger several distinct flows.
func TestMessageTriggersMultipleFlows(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f1 := testFlow("f1",
		[]models.Node{triggerEquals("t1", "hi"), sendNode("a1", "from flow one")},
		[]models.Edge{{Source: "t1", Target: "a1"}},
	)
	f2 := testFlow("f2",
		[]models.Node{triggerAny("t1"), sendNode("a1", "from flow two")},
		[]models.Edge{{Source: "t1", Target: "a1"}},
	)
	mustCreateFlow(t, st, f1)
	mustCreateFlow(t, st, f2)

	e.HandleMessage(context.Background(), inbound("hi"))

	got := sentMessages(sender.rec)
	if len(got) != 2 {
		t.Fatalf("expected both flows to fire, got %v", got)
	}
	for _, id := range []string{"f1", "f2"} {
		stored, _ := st.GetFlow(id)
		if stored.TriggerCount != 1 {
			t.Errorf("flow %s: expected trigger count 1, got %d", id, stored.TriggerCount)
		}
	}
}

// Scenario: a delay node holds back the second send until the wait elapses.
func TestDelayOrdersSends(t *testing.T) {
	st := store.NewInMemoryStore()
	rec := &recorder{}
	sender := &mockSender{rec: rec}
	e := newTestEngine(st, sender)
	e.sleep = func(_ context.Context, d time.Duration) { rec.add("sleep:" + d.String()) }

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			sendNode("a1", "first"),
			{ID: "d1", Type: models.NodeTypeDelay, Data: models.NodeData{Config: models.DelayConfig{Duration: 2}}},
			sendNode("a2", "second"),
		},
		[]models.Edge{
			{Source: "t1", Target: "a1"},
			{Source: "a1", Target: "d1"},
			{Source: "d1", Target: "a2"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	want := []string{"message:first", "sleep:2s", "message:second"}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

// Scenario: a required response rejects an empty reply and stays waiting.
func TestRequiredValidationKeepsSessionWaiting(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			responseNode("r1", models.ResponseConfig{
				Message:    "What is your name?",
				Validation: &models.ResponseValidation{Required: true},
			}),
			sendNode("a1", "Thanks {{lastResponse}}"),
		},
		[]models.Edge{
			{Source: "t1", Target: "r1"},
			{Source: "r1", Target: "a1"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))
	e.HandleMessage(context.Background(), inbound("   "))

	sess, _ := st.GetWaitingSession(testOwner, testInstance, testContact)
	if sess == nil {
		t.Fatal("expected the session to stay waiting after a failed validation")
	}
	if sess.CurrentNodeID != "r1" {
		t.Errorf("expected currentNodeId to stay r1, got %s", sess.CurrentNodeID)
	}
	got := sentMessages(sender.rec)
	if len(got) != 2 || !strings.Contains(got[1], "not a valid response") {
		t.Fatalf("expected a validation error message, got %v", got)
	}

	// A real reply continues the walk and lands in lastResponse.
	e.HandleMessage(context.Background(), inbound("Ada Lovelace"))
	got = sentMessages(sender.rec)
	if len(got) != 3 || got[2] != "Thanks Ada Lovelace" {
		t.Fatalf("expected the interpolated continuation, got %v", got)
	}
	final, _ := st.GetSession(sess.ID)
	if final == nil || final.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed session, got %+v", final)
	}
	if final.Variables["lastResponse"] != "Ada Lovelace" {
		t.Errorf("expected lastResponse persisted, got %+v", final.Variables)
	}
}

// set_variable and webhook actions feed the walk context.
func TestSetVariableAndWebhook(t *testing.T) {
	var (
		mu       sync.Mutex
		payload  map[string]interface{}
		gotCType string
		gotAuth  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotCType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			{ID: "v1", Type: models.NodeTypeAction, Data: models.NodeData{
				Config: models.ActionConfig{ActionType: models.ActionSetVariable, VariableName: "color", Value: "blue"},
			}},
			{ID: "w1", Type: models.NodeTypeAction, Data: models.NodeData{
				Config: models.ActionConfig{
					ActionType: models.ActionWebhook,
					WebhookURL: srv.URL,
					Headers:    map[string]string{"Authorization": "Bearer tok"},
				},
			}},
			sendNode("a1", "Color is {{color}}"),
		},
		[]models.Edge{
			{Source: "t1", Target: "v1"},
			{Source: "v1", Target: "w1"},
			{Source: "w1", Target: "a1"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	got := sentMessages(sender.rec)
	if len(got) != 1 || got[0] != "Color is blue" {
		t.Fatalf("expected interpolated send after webhook, got %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotCType)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected custom header to be merged in, got %q", gotAuth)
	}
	if payload["message"] != "hi" || payload["from"] != testContact {
		t.Errorf("unexpected webhook payload: %v", payload)
	}
	vars, ok := payload["variables"].(map[string]interface{})
	if !ok || vars["color"] != "blue" {
		t.Errorf("expected variables.color in payload, got %v", payload["variables"])
	}
}

// A webhook failure is swallowed and the walk continues.
func TestWebhookFailureDoesNotAbortWalk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			{ID: "w1", Type: models.NodeTypeAction, Data: models.NodeData{
				Config: models.ActionConfig{ActionType: models.ActionWebhook, WebhookURL: srv.URL},
			}},
			sendNode("a1", "after webhook"),
		},
		[]models.Edge{
			{Source: "t1", Target: "w1"},
			{Source: "w1", Target: "a1"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	got := sentMessages(sender.rec)
	if len(got) != 1 || got[0] != "after webhook" {
		t.Errorf("expected the walk to continue past the failed webhook, got %v", got)
	}
}

// A failing action aborts its own continuation but not sibling branches.
func TestActionFailureAbortsOnlyItsSubWalk(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}, failBody: "broken"}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			sendNode("aBroken", "broken"),
			sendNode("aAfterBroken", "never reached"),
			sendNode("aSibling", "sibling survives"),
		},
		[]models.Edge{
			{Source: "t1", Target: "aBroken"},
			{Source: "t1", Target: "aSibling"},
			{Source: "aBroken", Target: "aAfterBroken"},
		},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	got := sentMessages(sender.rec)
	if len(got) != 1 || got[0] != "sibling survives" {
		t.Errorf("expected only the sibling branch to send, got %v", got)
	}
}

// A session pointing at a node that no longer exists ends with status error.
func TestResumeMissingNodeTerminatesWithError(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{triggerEquals("t1", "hi")},
		nil,
	)
	mustCreateFlow(t, st, f)

	now := time.Now().UTC()
	sess := &models.ConversationSession{
		ID:                   "sess-broken",
		OwnerID:              testOwner,
		InstanceID:           testInstance,
		ContactNumber:        testContact,
		FlowID:               "f1",
		CurrentNodeID:        "ghost",
		IsWaitingForResponse: true,
		IsActive:             true,
		Status:               models.SessionStatusActive,
		LastActivityAt:       now,
		Timestamps:           models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	if err := st.SaveSession(sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	e.HandleMessage(context.Background(), inbound("anything"))

	final, _ := st.GetSession("sess-broken")
	if final == nil || final.IsActive || final.Status != models.SessionStatusError {
		t.Errorf("expected session terminated with error, got %+v", final)
	}
}

// Fresh trigger contexts carry the seeded sender variables.
func TestTriggerContextSeedsVariables(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{rec: &recorder{}}
	e := newTestEngine(st, sender)

	f := testFlow("f1",
		[]models.Node{
			triggerEquals("t1", "hi"),
			sendNode("a1", "Hello {{senderName}}, you said {{messageText}}"),
		},
		[]models.Edge{{Source: "t1", Target: "a1"}},
	)
	mustCreateFlow(t, st, f)

	e.HandleMessage(context.Background(), inbound("hi"))

	got := sentMessages(sender.rec)
	if len(got) != 1 || got[0] != "Hello Ada, you said hi" {
		t.Errorf("expected seeded variables in the send, got %v", got)
	}
}
