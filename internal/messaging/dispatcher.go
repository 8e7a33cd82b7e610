package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowsend/flowsend/internal/models"
)

// MessageHandler consumes normalized inbound messages. The flow engine
// satisfies this.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.Message)
}

// Dispatcher fans inbound messages from registered services into the handler.
// Each message is handled in its own goroutine, so a delay node in one
// conversation never stalls another contact's message.
type Dispatcher struct {
	handler  MessageHandler
	services []Service
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering into the given handler.
func NewDispatcher(handler MessageHandler) *Dispatcher {
	return &Dispatcher{handler: handler}
}

// Register adds an inbound service. Must be called before Start.
func (d *Dispatcher) Register(svc Service) {
	d.services = append(d.services, svc)
}

// Start starts every registered service and begins pumping its messages.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, svc := range d.services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
		d.wg.Add(2)
		go d.pumpMessages(ctx, svc)
		go d.drainReceipts(svc)
	}
	slog.Info("Message dispatcher started", "services", len(d.services))
	return nil
}

// Stop stops all services and waits for the pumps to drain.
func (d *Dispatcher) Stop() error {
	for _, svc := range d.services {
		if err := svc.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
		}
	}
	d.wg.Wait()
	slog.Info("Message dispatcher stopped")
	return nil
}

func (d *Dispatcher) pumpMessages(ctx context.Context, svc Service) {
	defer d.wg.Done()
	for msg := range svc.Messages() {
		d.wg.Add(1)
		go func(m models.Message) {
			defer d.wg.Done()
			d.handler.HandleMessage(ctx, m)
		}(msg)
	}
}

// drainReceipts keeps receipt channels from backing up; delivery status is
// operator-visible through logs only.
func (d *Dispatcher) drainReceipts(svc Service) {
	defer d.wg.Done()
	for receipt := range svc.Receipts() {
		slog.Debug("Delivery receipt", "to", receipt.To, "status", receipt.Status)
	}
}
