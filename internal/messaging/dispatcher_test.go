package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowsend/flowsend/internal/models"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []models.Message
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// stubService feeds a fixed set of messages and closes its channels on Stop.
type stubService struct {
	messages chan models.Message
	receipts chan models.Receipt
	once     sync.Once
}

func newStubService() *stubService {
	return &stubService{
		messages: make(chan models.Message, 10),
		receipts: make(chan models.Receipt, 10),
	}
}

func (s *stubService) Start(ctx context.Context) error { return nil }

func (s *stubService) Stop() error {
	s.once.Do(func() {
		close(s.messages)
		close(s.receipts)
	})
	return nil
}

func (s *stubService) Messages() <-chan models.Message { return s.messages }
func (s *stubService) Receipts() <-chan models.Receipt { return s.receipts }

func TestDispatcherDeliversFromAllServices(t *testing.T) {
	handler := &recordingHandler{}
	d := NewDispatcher(handler)

	svc1 := newStubService()
	svc2 := newStubService()
	d.Register(svc1)
	d.Register(svc2)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	svc1.messages <- models.Message{From: "111", Body: "one"}
	svc2.messages <- models.Message{From: "222", Body: "two"}
	svc2.receipts <- models.Receipt{To: "111", Status: models.MessageStatusDelivered}

	// Stop closes the channels and waits for the pumps to drain.
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := handler.count(); got != 2 {
		t.Errorf("expected 2 handled messages, got %d", got)
	}
}

func TestDispatcherHandlesConcurrently(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 2)
	handler := handlerFunc(func(ctx context.Context, msg models.Message) {
		started <- struct{}{}
		<-block
	})

	d := NewDispatcher(handler)
	svc := newStubService()
	d.Register(svc)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	svc.messages <- models.Message{From: "111"}
	svc.messages <- models.Message{From: "222"}

	// Both handlers must start even though neither has finished.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("message handling is not concurrent")
		}
	}
	close(block)
	d.Stop()
}

type handlerFunc func(ctx context.Context, msg models.Message)

func (f handlerFunc) HandleMessage(ctx context.Context, msg models.Message) { f(ctx, msg) }
