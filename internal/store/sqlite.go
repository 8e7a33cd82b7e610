// Package store provides storage backends for FlowSend.
//
// This file implements an SQLite-backed store for flows and sessions.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/flowsend/flowsend/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateFlow(f *models.Flow) error {
	nodes, edges, err := marshalFlowGraph(f)
	if err != nil {
		slog.Error("SQLiteStore CreateFlow marshal failed", "error", err, "flowID", f.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OwnerID, f.InstanceID, f.Name, f.Active, f.TriggerCount, nullableTime(f.LastTriggered), nodes, edges, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to insert flow %s: %w", f.ID, err)
	}
	slog.Debug("SQLiteStore CreateFlow succeeded", "flowID", f.ID, "name", f.Name)
	return nil
}

func (s *SQLiteStore) UpdateFlow(f *models.Flow) error {
	nodes, edges, err := marshalFlowGraph(f)
	if err != nil {
		slog.Error("SQLiteStore UpdateFlow marshal failed", "error", err, "flowID", f.ID)
		return err
	}
	_, err = s.db.Exec(`UPDATE flows SET name = ?, active = ?, trigger_count = ?, last_triggered = ?, nodes = ?, edges = ?, updated_at = ?
		WHERE id = ?`,
		f.Name, f.Active, f.TriggerCount, nullableTime(f.LastTriggered), nodes, edges, f.UpdatedAt, f.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to update flow %s: %w", f.ID, err)
	}
	slog.Debug("SQLiteStore UpdateFlow succeeded", "flowID", f.ID)
	return nil
}

func (s *SQLiteStore) DeleteFlow(id string) error {
	_, err := s.db.Exec(`DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlow failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	slog.Debug("SQLiteStore DeleteFlow succeeded", "flowID", id)
	return nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at
		FROM flows WHERE id = ?`, id)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFlow not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) ListFlows(ownerID, instanceID string) ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at
		FROM flows WHERE owner_id = ? AND instance_id = ? ORDER BY created_at`, ownerID, instanceID)
}

func (s *SQLiteStore) GetActiveFlows(ownerID, instanceID string) ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at
		FROM flows WHERE owner_id = ? AND instance_id = ? AND active = 1 ORDER BY created_at`, ownerID, instanceID)
}

func (s *SQLiteStore) queryFlows(query string, args ...interface{}) ([]models.Flow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore flow query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error("SQLiteStore flow scan failed", "error", err)
			return nil, err
		}
		flows = append(flows, *f)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore flow rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("SQLiteStore flow query succeeded", "count", len(flows))
	return flows, nil
}

func (s *SQLiteStore) IncrementFlowTrigger(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE flows SET trigger_count = trigger_count + 1, last_triggered = ?, updated_at = ? WHERE id = ?`, at, at, id)
	if err != nil {
		slog.Error("SQLiteStore IncrementFlowTrigger failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to increment trigger for flow %s: %w", id, err)
	}
	slog.Debug("SQLiteStore IncrementFlowTrigger succeeded", "flowID", id)
	return nil
}

// SaveSession stores or updates a conversation session.
func (s *SQLiteStore) SaveSession(sess *models.ConversationSession) error {
	vars, expected, err := marshalSessionDocs(sess)
	if err != nil {
		slog.Error("SQLiteStore SaveSession marshal failed", "error", err, "sessionID", sess.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions
		(id, owner_id, instance_id, contact_number, flow_id, current_node_id, variables, is_waiting, expected_response, is_active, status, message_count, response_count, last_activity_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.InstanceID, sess.ContactNumber, sess.FlowID, sess.CurrentNodeID,
		vars, sess.IsWaitingForResponse, expected, sess.IsActive, string(sess.Status),
		sess.MessageCount, sess.ResponseCount, sess.LastActivityAt, nullableTime(sess.CompletedAt), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", sess.ID, "contact", sess.ContactNumber)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", sess.ID, "contact", sess.ContactNumber, "currentNode", sess.CurrentNodeID)
	return nil
}

func (s *SQLiteStore) GetSession(id string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetWaitingSession(ownerID, instanceID, contactNumber string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE owner_id = ? AND instance_id = ? AND contact_number = ?
		AND is_active = 1 AND is_waiting = 1 ORDER BY last_activity_at DESC LIMIT 1`,
		ownerID, instanceID, contactNumber)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetWaitingSession not found", "owner", ownerID, "instance", instanceID, "contact", contactNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetWaitingSession failed", "error", err, "contact", contactNumber)
		return nil, err
	}
	slog.Debug("SQLiteStore GetWaitingSession found", "sessionID", sess.ID, "contact", contactNumber)
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ownerID, instanceID string) ([]models.ConversationSession, error) {
	rows, err := s.db.Query(sessionSelect+` WHERE owner_id = ? AND instance_id = ? ORDER BY last_activity_at DESC`, ownerID, instanceID)
	if err != nil {
		slog.Error("SQLiteStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("SQLiteStore ListSessions scan failed", "error", err)
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListSessions rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("SQLiteStore ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *SQLiteStore) DeleteSessionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE is_active = 0 AND last_activity_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore DeleteSessionsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore DeleteSessionsBefore succeeded", "removed", n)
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
