// Package store provides storage backends for FlowSend.
//
// It defines the Store interface consumed by the flow engine and API, with
// SQLite, PostgreSQL, Redis, and in-memory implementations. Flow graphs and
// session variable bags are persisted as JSON documents.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowsend/flowsend/internal/models"
)

// Store is the persistence contract for flows and conversation sessions.
type Store interface {
	// CreateFlow persists a new flow definition.
	CreateFlow(f *models.Flow) error
	// UpdateFlow replaces an existing flow definition.
	UpdateFlow(f *models.Flow) error
	// DeleteFlow removes a flow by id.
	DeleteFlow(id string) error
	// GetFlow returns a flow by id, or (nil, nil) when not found.
	GetFlow(id string) (*models.Flow, error)
	// ListFlows returns all flows for an owner/instance pair.
	ListFlows(ownerID, instanceID string) ([]models.Flow, error)
	// GetActiveFlows returns flows with the active flag set for an owner/instance pair.
	GetActiveFlows(ownerID, instanceID string) ([]models.Flow, error)
	// IncrementFlowTrigger bumps a flow's trigger counter and records the trigger time.
	IncrementFlowTrigger(id string, at time.Time) error

	// SaveSession creates or updates a conversation session.
	SaveSession(s *models.ConversationSession) error
	// GetSession returns a session by id, or (nil, nil) when not found.
	GetSession(id string) (*models.ConversationSession, error)
	// GetWaitingSession returns the active session waiting for a response from
	// the given contact, or (nil, nil) when there is none.
	GetWaitingSession(ownerID, instanceID, contactNumber string) (*models.ConversationSession, error)
	// ListSessions returns all sessions for an owner/instance pair.
	ListSessions(ownerID, instanceID string) ([]models.ConversationSession, error)
	// DeleteSessionsBefore removes inactive sessions whose last activity is
	// older than the cutoff. Returns the number of sessions removed.
	DeleteSessionsBefore(cutoff time.Time) (int, error)

	// Close releases any held resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres", "redis", or "sqlite3".
// File paths and anything unrecognized are treated as SQLite.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host="), strings.Contains(dsn, "dbname="):
		return "postgres"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	default:
		return "sqlite3"
	}
}

// InMemoryStore is a map-backed Store for tests and DSN-less development runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]models.Flow
	sessions map[string]models.ConversationSession
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.Flow),
		sessions: make(map[string]models.ConversationSession),
	}
}

func (s *InMemoryStore) CreateFlow(f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = *f
	return nil
}

func (s *InMemoryStore) UpdateFlow(f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = *f
	return nil
}

func (s *InMemoryStore) DeleteFlow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListFlows(ownerID, instanceID string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.OwnerID == ownerID && f.InstanceID == instanceID {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].CreatedAt.Before(flows[j].CreatedAt) })
	return flows, nil
}

func (s *InMemoryStore) GetActiveFlows(ownerID, instanceID string) ([]models.Flow, error) {
	flows, err := s.ListFlows(ownerID, instanceID)
	if err != nil {
		return nil, err
	}
	var active []models.Flow
	for _, f := range flows {
		if f.Active {
			active = append(active, f)
		}
	}
	return active, nil
}

func (s *InMemoryStore) IncrementFlowTrigger(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil
	}
	f.TriggerCount++
	f.LastTriggered = &at
	f.UpdatedAt = at
	s.flows[id] = f
	return nil
}

func (s *InMemoryStore) SaveSession(sess *models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *InMemoryStore) GetWaitingSession(ownerID, instanceID, contactNumber string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.ConversationSession
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID || sess.InstanceID != instanceID || sess.ContactNumber != contactNumber {
			continue
		}
		if !sess.IsActive || !sess.IsWaitingForResponse {
			continue
		}
		sessCopy := sess
		if latest == nil || sessCopy.LastActivityAt.After(latest.LastActivityAt) {
			latest = &sessCopy
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListSessions(ownerID, instanceID string) ([]models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []models.ConversationSession
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID && sess.InstanceID == instanceID {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

func (s *InMemoryStore) DeleteSessionsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if !sess.IsActive && sess.LastActivityAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
