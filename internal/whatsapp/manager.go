package whatsapp

import (
	"log/slog"
	"sync"

	"github.com/flowsend/flowsend/internal/flow"
)

// Status represents the connection state of one tenant instance.
type Status string

const (
	// StatusDisconnected means no connection is established.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means a login or reconnect is in progress.
	StatusConnecting Status = "connecting"
	// StatusConnected means the instance is ready to send and receive.
	StatusConnected Status = "connected"
	// StatusLoggedOut means the device credentials were invalidated remotely.
	StatusLoggedOut Status = "logged_out"
)

type instanceKey struct {
	ownerID    string
	instanceID string
}

type instance struct {
	client *Client
	sender flow.Sender
	status Status
}

// Manager is the registry of WhatsApp transports keyed by (ownerID, instanceID).
// It implements flow.ClientProvider, so the engine resolves transports through
// it rather than through package state. Instances backed by the Twilio gateway
// register a bare sender and carry no device client.
type Manager struct {
	mu        sync.RWMutex
	instances map[instanceKey]*instance
}

// NewManager creates an empty client registry.
func NewManager() *Manager {
	return &Manager{instances: make(map[instanceKey]*instance)}
}

// Register stores a connected client for a tenant instance, replacing any
// previous registration.
func (m *Manager) Register(ownerID, instanceID string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instanceKey{ownerID, instanceID}] = &instance{client: client, sender: client, status: StatusConnected}
	slog.Info("WhatsApp instance registered", "owner", ownerID, "instance", instanceID)
}

// RegisterSender stores a deviceless transport for a tenant instance, such as
// the Twilio gateway client.
func (m *Manager) RegisterSender(ownerID, instanceID string, sender flow.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instanceKey{ownerID, instanceID}] = &instance{sender: sender, status: StatusConnected}
	slog.Info("Gateway instance registered", "owner", ownerID, "instance", instanceID)
}

// SetStatus updates the connection status of a registered instance. Unknown
// instances are recorded with a nil client so status is queryable during login.
func (m *Manager) SetStatus(ownerID, instanceID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instanceKey{ownerID, instanceID}
	inst, ok := m.instances[key]
	if !ok {
		inst = &instance{}
		m.instances[key] = inst
	}
	inst.status = status
	slog.Debug("WhatsApp instance status changed", "owner", ownerID, "instance", instanceID, "status", status)
}

// Status returns the connection status of an instance.
func (m *Manager) Status(ownerID, instanceID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[instanceKey{ownerID, instanceID}]; ok {
		return inst.status
	}
	return StatusDisconnected
}

// Client returns the registered client for an instance.
func (m *Manager) Client(ownerID, instanceID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instanceKey{ownerID, instanceID}]
	if !ok || inst.client == nil {
		return nil, false
	}
	return inst.client, true
}

// Remove disconnects and drops an instance from the registry.
func (m *Manager) Remove(ownerID, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instanceKey{ownerID, instanceID}
	if inst, ok := m.instances[key]; ok && inst.client != nil {
		inst.client.Disconnect()
	}
	delete(m.instances, key)
	slog.Info("WhatsApp instance removed", "owner", ownerID, "instance", instanceID)
}

// SenderFor implements flow.ClientProvider. Only connected instances are
// handed to the engine.
func (m *Manager) SenderFor(ownerID, instanceID string) (flow.Sender, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instanceKey{ownerID, instanceID}]
	if !ok || inst.sender == nil || inst.status != StatusConnected {
		return nil, false
	}
	return inst.sender, true
}
