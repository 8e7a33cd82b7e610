// Package store provides storage backends for FlowSend.
//
// This file implements a PostgreSQL-backed store for flows and sessions.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/flowsend/flowsend/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateFlow(f *models.Flow) error {
	nodes, edges, err := marshalFlowGraph(f)
	if err != nil {
		slog.Error("PostgresStore CreateFlow marshal failed", "error", err, "flowID", f.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.OwnerID, f.InstanceID, f.Name, f.Active, f.TriggerCount, nullableTime(f.LastTriggered), nodes, edges, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to insert flow %s: %w", f.ID, err)
	}
	slog.Debug("PostgresStore CreateFlow succeeded", "flowID", f.ID, "name", f.Name)
	return nil
}

func (s *PostgresStore) UpdateFlow(f *models.Flow) error {
	nodes, edges, err := marshalFlowGraph(f)
	if err != nil {
		slog.Error("PostgresStore UpdateFlow marshal failed", "error", err, "flowID", f.ID)
		return err
	}
	_, err = s.db.Exec(`UPDATE flows SET name = $1, active = $2, trigger_count = $3, last_triggered = $4, nodes = $5, edges = $6, updated_at = $7
		WHERE id = $8`,
		f.Name, f.Active, f.TriggerCount, nullableTime(f.LastTriggered), nodes, edges, f.UpdatedAt, f.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to update flow %s: %w", f.ID, err)
	}
	slog.Debug("PostgresStore UpdateFlow succeeded", "flowID", f.ID)
	return nil
}

func (s *PostgresStore) DeleteFlow(id string) error {
	_, err := s.db.Exec(`DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteFlow failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	slog.Debug("PostgresStore DeleteFlow succeeded", "flowID", id)
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at
		FROM flows WHERE id = $1`, id)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFlow not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) ListFlows(ownerID, instanceID string) ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at
		FROM flows WHERE owner_id = $1 AND instance_id = $2 ORDER BY created_at`, ownerID, instanceID)
}

func (s *PostgresStore) GetActiveFlows(ownerID, instanceID string) ([]models.Flow, error) {
	return s.queryFlows(`SELECT id, owner_id, instance_id, name, active, trigger_count, last_triggered, nodes, edges, created_at, updated_at
		FROM flows WHERE owner_id = $1 AND instance_id = $2 AND active = TRUE ORDER BY created_at`, ownerID, instanceID)
}

func (s *PostgresStore) queryFlows(query string, args ...interface{}) ([]models.Flow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore flow query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error("PostgresStore flow scan failed", "error", err)
			return nil, err
		}
		flows = append(flows, *f)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore flow rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("PostgresStore flow query succeeded", "count", len(flows))
	return flows, nil
}

func (s *PostgresStore) IncrementFlowTrigger(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE flows SET trigger_count = trigger_count + 1, last_triggered = $1, updated_at = $2 WHERE id = $3`, at, at, id)
	if err != nil {
		slog.Error("PostgresStore IncrementFlowTrigger failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to increment trigger for flow %s: %w", id, err)
	}
	slog.Debug("PostgresStore IncrementFlowTrigger succeeded", "flowID", id)
	return nil
}

// SaveSession stores or updates a conversation session.
func (s *PostgresStore) SaveSession(sess *models.ConversationSession) error {
	vars, expected, err := marshalSessionDocs(sess)
	if err != nil {
		slog.Error("PostgresStore SaveSession marshal failed", "error", err, "sessionID", sess.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions
		(id, owner_id, instance_id, contact_number, flow_id, current_node_id, variables, is_waiting, expected_response, is_active, status, message_count, response_count, last_activity_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id)
		DO UPDATE SET
			current_node_id = EXCLUDED.current_node_id,
			variables = EXCLUDED.variables,
			is_waiting = EXCLUDED.is_waiting,
			expected_response = EXCLUDED.expected_response,
			is_active = EXCLUDED.is_active,
			status = EXCLUDED.status,
			message_count = EXCLUDED.message_count,
			response_count = EXCLUDED.response_count,
			last_activity_at = EXCLUDED.last_activity_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.OwnerID, sess.InstanceID, sess.ContactNumber, sess.FlowID, sess.CurrentNodeID,
		vars, sess.IsWaitingForResponse, expected, sess.IsActive, string(sess.Status),
		sess.MessageCount, sess.ResponseCount, sess.LastActivityAt, nullableTime(sess.CompletedAt), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", sess.ID, "contact", sess.ContactNumber)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "sessionID", sess.ID, "contact", sess.ContactNumber, "currentNode", sess.CurrentNodeID)
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = $1`, id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) GetWaitingSession(ownerID, instanceID, contactNumber string) (*models.ConversationSession, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE owner_id = $1 AND instance_id = $2 AND contact_number = $3
		AND is_active = TRUE AND is_waiting = TRUE ORDER BY last_activity_at DESC LIMIT 1`,
		ownerID, instanceID, contactNumber)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetWaitingSession not found", "owner", ownerID, "instance", instanceID, "contact", contactNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetWaitingSession failed", "error", err, "contact", contactNumber)
		return nil, err
	}
	slog.Debug("PostgresStore GetWaitingSession found", "sessionID", sess.ID, "contact", contactNumber)
	return sess, nil
}

func (s *PostgresStore) ListSessions(ownerID, instanceID string) ([]models.ConversationSession, error) {
	rows, err := s.db.Query(sessionSelect+` WHERE owner_id = $1 AND instance_id = $2 ORDER BY last_activity_at DESC`, ownerID, instanceID)
	if err != nil {
		slog.Error("PostgresStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("PostgresStore ListSessions scan failed", "error", err)
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListSessions rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("PostgresStore ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *PostgresStore) DeleteSessionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE is_active = FALSE AND last_activity_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore DeleteSessionsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore DeleteSessionsBefore succeeded", "removed", n)
	return int(n), nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
