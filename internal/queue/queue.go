// ABOUTME: Durable task queue with claim/lease semantics over the state store
// ABOUTME: Owns the retry ceiling and records audit events for every transition

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/entropy-playground/entropy-core/internal/events"
	"github.com/entropy-playground/entropy-core/internal/store"
)

// DefaultMaxAttempts bounds retries when the queue is built without an
// explicit ceiling.
const DefaultMaxAttempts = 3

// Queue provides concurrent-safe task distribution on top of the store's
// atomic conditional updates. Claim is the sole mutual-exclusion point in the
// system; every other mutation is owner-checked by the store.
type Queue struct {
	store       store.Store
	events      *events.Broadcaster
	maxAttempts int
	logger      *slog.Logger
}

// New creates a queue. broadcaster may be nil when nothing streams events.
func New(st store.Store, broadcaster *events.Broadcaster, maxAttempts int, logger *slog.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:       st,
		events:      broadcaster,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "queue"),
	}
}

// MaxAttempts returns the retry ceiling applied by Fail.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue inserts a new pending task. Returns store.ErrDuplicateTask if the
// id already exists; callers treat that as already-enqueued.
func (q *Queue) Enqueue(ctx context.Context, id string, kind store.TaskKind, payload json.RawMessage) (*store.Task, error) {
	now := time.Now().UTC()
	task := &store.Task{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		State:     store.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	q.logger.Info("enqueued task", "id", id, "kind", kind)
	q.audit(ctx, &store.AuditEvent{
		Type:       store.AuditTaskEnqueued,
		ActorID:    "coordinator",
		ActorType:  "coordinator",
		TargetType: "task",
		TargetID:   id,
	})
	q.publish(&events.TaskEvent{Type: events.TaskEnqueued, TaskID: id, Kind: kind})

	return task, nil
}

// Claim atomically hands the oldest eligible task matching kinds to agentID
// under a lease of the given duration. Returns (nil, nil) when no task is
// eligible — the expected steady state, not an error.
func (q *Queue) Claim(ctx context.Context, agentID string, kinds []store.TaskKind, lease time.Duration) (*store.Task, error) {
	task, err := q.store.ClaimTask(ctx, agentID, kinds, time.Now().UTC().Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	q.logger.Info("task claimed",
		"id", task.ID,
		"kind", task.Kind,
		"agent_id", agentID,
		"attempt", task.AttemptCount,
	)
	q.audit(ctx, &store.AuditEvent{
		Type:       store.AuditTaskAssigned,
		ActorID:    agentID,
		ActorType:  "agent",
		TargetType: "task",
		TargetID:   task.ID,
		Detail:     map[string]any{"attempt": task.AttemptCount},
	})
	q.publish(&events.TaskEvent{Type: events.TaskAssigned, TaskID: task.ID, Kind: task.Kind, AgentID: agentID})

	return task, nil
}

// Start transitions a claimed task to running before execution begins.
func (q *Queue) Start(ctx context.Context, taskID, agentID string) error {
	if err := q.store.StartTask(ctx, taskID, agentID); err != nil {
		return err
	}

	q.audit(ctx, &store.AuditEvent{
		Type:       store.AuditTaskStarted,
		ActorID:    agentID,
		ActorType:  "agent",
		TargetType: "task",
		TargetID:   taskID,
	})
	q.publish(&events.TaskEvent{Type: events.TaskStarted, TaskID: taskID, AgentID: agentID})
	return nil
}

// Heartbeat extends the lease of a running task by extension from now.
// Returns store.ErrNotOwner for stale heartbeats after a reclaim.
func (q *Queue) Heartbeat(ctx context.Context, taskID, agentID string, extension time.Duration) error {
	if err := q.store.ExtendLease(ctx, taskID, agentID, time.Now().UTC().Add(extension)); err != nil {
		return err
	}
	q.logger.Debug("lease extended", "id", taskID, "agent_id", agentID, "extension", extension)
	return nil
}

// Complete transitions the task to done with the given result.
func (q *Queue) Complete(ctx context.Context, taskID, agentID, result string) error {
	if err := q.store.CompleteTask(ctx, taskID, agentID, result); err != nil {
		return err
	}

	q.logger.Info("task completed", "id", taskID, "agent_id", agentID)
	q.audit(ctx, &store.AuditEvent{
		Type:       store.AuditTaskCompleted,
		ActorID:    agentID,
		ActorType:  "agent",
		TargetType: "task",
		TargetID:   taskID,
	})
	q.publish(&events.TaskEvent{Type: events.TaskCompleted, TaskID: taskID, AgentID: agentID})
	return nil
}

// Fail records a failed attempt. Below the retry ceiling the task returns to
// pending for some agent to reclaim; at the ceiling it goes terminally failed.
// Returns whether the failure was terminal.
func (q *Queue) Fail(ctx context.Context, taskID, agentID string, taskErr error) (bool, error) {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}

	terminal, err := q.store.FailTask(ctx, taskID, agentID, msg, q.maxAttempts)
	if err != nil {
		return false, err
	}

	q.logger.Warn("task failed",
		"id", taskID,
		"agent_id", agentID,
		"terminal", terminal,
		"error", msg,
	)
	q.audit(ctx, &store.AuditEvent{
		Type:       store.AuditTaskFailed,
		ActorID:    agentID,
		ActorType:  "agent",
		TargetType: "task",
		TargetID:   taskID,
		Outcome:    "failure",
		Detail:     map[string]any{"error": msg, "terminal": terminal},
	})
	q.publish(&events.TaskEvent{Type: events.TaskFailed, TaskID: taskID, AgentID: agentID, Terminal: terminal})

	return terminal, nil
}

// ReapExpired resets every claimed/running task past its lease deadline back
// to pending. Invoked by the coordinator's sweep so the decision and its
// logging stay in one place.
func (q *Queue) ReapExpired(ctx context.Context) ([]string, error) {
	ids, err := q.store.ReapExpiredTasks(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reaping expired leases: %w", err)
	}

	for _, id := range ids {
		q.audit(ctx, &store.AuditEvent{
			Type:       store.AuditTaskReaped,
			ActorID:    "coordinator",
			ActorType:  "coordinator",
			TargetType: "task",
			TargetID:   id,
		})
		q.publish(&events.TaskEvent{Type: events.TaskReaped, TaskID: id})
	}
	return ids, nil
}

// audit records a trail entry; failures are logged, never propagated, so the
// trail cannot take the queue down with it.
func (q *Queue) audit(ctx context.Context, e *store.AuditEvent) {
	if err := q.store.AppendAuditEvent(ctx, e); err != nil {
		q.logger.Error("appending audit event", "type", e.Type, "target", e.TargetID, "error", err)
	}
}

func (q *Queue) publish(e *events.TaskEvent) {
	if q.events != nil {
		q.events.Publish(e)
	}
}
