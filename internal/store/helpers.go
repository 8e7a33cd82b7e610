package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowsend/flowsend/internal/models"
)

// sessionSelect is the shared column list for session queries.
const sessionSelect = `SELECT id, owner_id, instance_id, contact_number, flow_id, current_node_id, variables, is_waiting, expected_response, is_active, status, message_count, response_count, last_activity_at, completed_at, created_at, updated_at FROM sessions`

// nullableTime converts an optional time to a driver value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// marshalFlowGraph serializes a flow's nodes and edges to JSON documents.
func marshalFlowGraph(f *models.Flow) (nodes string, edges string, err error) {
	nodesBytes, err := json.Marshal(f.Nodes)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal flow nodes: %w", err)
	}
	edgesBytes, err := json.Marshal(f.Edges)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal flow edges: %w", err)
	}
	return string(nodesBytes), string(edgesBytes), nil
}

// marshalSessionDocs serializes a session's variable bag and expected
// response snapshot to JSON documents.
func marshalSessionDocs(s *models.ConversationSession) (vars string, expected interface{}, err error) {
	varsBytes, err := json.Marshal(s.Variables)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal session variables: %w", err)
	}
	if s.Variables == nil {
		varsBytes = []byte("{}")
	}
	if s.ExpectedResponse == nil {
		return string(varsBytes), nil, nil
	}
	expectedBytes, err := json.Marshal(s.ExpectedResponse)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal expected response: %w", err)
	}
	return string(varsBytes), string(expectedBytes), nil
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlowFields(sc rowScanner) (*models.Flow, error) {
	var f models.Flow
	var nodesJSON, edgesJSON string
	var lastTriggered sql.NullTime
	err := sc.Scan(&f.ID, &f.OwnerID, &f.InstanceID, &f.Name, &f.Active, &f.TriggerCount,
		&lastTriggered, &nodesJSON, &edgesJSON, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastTriggered.Valid {
		f.LastTriggered = &lastTriggered.Time
	}
	if err := json.Unmarshal([]byte(nodesJSON), &f.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edgesJSON), &f.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow edges: %w", err)
	}
	return &f, nil
}

// scanFlow scans a Flow from sql.Rows.
func scanFlow(rows *sql.Rows) (*models.Flow, error) {
	return scanFlowFields(rows)
}

// scanFlowRow scans a Flow from a single sql.Row.
func scanFlowRow(row *sql.Row) (*models.Flow, error) {
	return scanFlowFields(row)
}

func scanSessionFields(sc rowScanner) (*models.ConversationSession, error) {
	var s models.ConversationSession
	var varsJSON string
	var expectedJSON sql.NullString
	var completedAt sql.NullTime
	var status string
	err := sc.Scan(&s.ID, &s.OwnerID, &s.InstanceID, &s.ContactNumber, &s.FlowID, &s.CurrentNodeID,
		&varsJSON, &s.IsWaitingForResponse, &expectedJSON, &s.IsActive, &status,
		&s.MessageCount, &s.ResponseCount, &s.LastActivityAt, &completedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &s.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session variables: %w", err)
		}
	}
	if expectedJSON.Valid && expectedJSON.String != "" {
		var expected models.ResponseConfig
		if err := json.Unmarshal([]byte(expectedJSON.String), &expected); err != nil {
			return nil, fmt.Errorf("failed to unmarshal expected response: %w", err)
		}
		s.ExpectedResponse = &expected
	}
	return &s, nil
}

// scanSession scans a ConversationSession from sql.Rows.
func scanSession(rows *sql.Rows) (*models.ConversationSession, error) {
	return scanSessionFields(rows)
}

// scanSessionRow scans a ConversationSession from a single sql.Row.
func scanSessionRow(row *sql.Row) (*models.ConversationSession, error) {
	return scanSessionFields(row)
}
