// ABOUTME: Audit trail entity and store methods for tracking agent and system actions
// ABOUTME: Records who did what to which task or agent for compliance and debugging

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType identifies an auditable event.
type AuditEventType string

const (
	// Agent lifecycle
	AuditAgentStarted AuditEventType = "agent.started"
	AuditAgentStopped AuditEventType = "agent.stopped"
	AuditAgentOffline AuditEventType = "agent.offline"

	// Task operations
	AuditTaskEnqueued  AuditEventType = "task.enqueued"
	AuditTaskAssigned  AuditEventType = "task.assigned"
	AuditTaskStarted   AuditEventType = "task.started"
	AuditTaskCompleted AuditEventType = "task.completed"
	AuditTaskFailed    AuditEventType = "task.failed"
	AuditTaskReaped    AuditEventType = "task.reaped"

	// System events
	AuditSystemStartup  AuditEventType = "system.startup"
	AuditSystemShutdown AuditEventType = "system.shutdown"
)

// AuditEvent represents a single audit trail entry.
type AuditEvent struct {
	ID         string         `json:"id"`          // UUID v4
	Type       AuditEventType `json:"type"`        // what happened
	ActorID    string         `json:"actor_id"`    // agent id or "coordinator"
	ActorType  string         `json:"actor_type"`  // "agent", "coordinator", "system"
	TargetType string         `json:"target_type"` // "task", "agent", or empty
	TargetID   string         `json:"target_id"`   // id of the affected resource
	Outcome    string         `json:"outcome"`     // "success", "failure"
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AuditFilter specifies filtering options for listing audit events.
type AuditFilter struct {
	Since    *time.Time      // events after this time
	ActorID  *string         // filter by actor
	Type     *AuditEventType // filter by event type
	TargetID *string         // filter by target id
	Limit    int             // max results (default 100, max 1000)
}

// AppendAuditEvent appends an event to the audit trail.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = "success"
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_events (event_id, event_type, actor_id, actor_type, target_type, target_id, outcome, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Type,
		e.ActorID,
		e.ActorType,
		e.TargetType,
		e.TargetID,
		e.Outcome,
		detailJSON,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	s.logger.Debug("appended audit event",
		"id", e.ID,
		"type", e.Type,
		"actor", e.ActorID,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditQuery = `
	SELECT event_id, event_type, actor_id, actor_type, target_type, target_id, outcome, detail_json, ts
	FROM audit_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor_id = ?)
	  AND (? IS NULL OR event_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditEvents returns audit events matching the filter criteria.
// Results are returned newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	limit := normalizeAuditLimit(f.Limit)

	var sinceStr, typeStr *string
	if f.Since != nil {
		str := f.Since.UTC().Format(time.RFC3339Nano)
		sinceStr = &str
	}
	if f.Type != nil {
		str := string(*f.Type)
		typeStr = &str
	}

	rows, err := s.db.QueryContext(ctx, auditQuery,
		sinceStr, sinceStr,
		f.ActorID, f.ActorID,
		typeStr, typeStr,
		f.TargetID, f.TargetID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var typeStr, tsStr string
		var targetType, targetID, detailJSON *string

		if err := rows.Scan(
			&e.ID,
			&typeStr,
			&e.ActorID,
			&e.ActorType,
			&targetType,
			&targetID,
			&e.Outcome,
			&detailJSON,
			&tsStr,
		); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}

		e.Type = AuditEventType(typeStr)
		if targetType != nil {
			e.TargetType = *targetType
		}
		if targetID != nil {
			e.TargetID = *targetID
		}

		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}

	if events == nil {
		events = []AuditEvent{}
	}
	return events, nil
}
