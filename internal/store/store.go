// ABOUTME: Store interface and data types for entropy-core persistence
// ABOUTME: Defines Task, Agent structs and the Store interface for coordination state

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTask is returned when trying to enqueue a task whose id already exists.
// Callers should treat it as already-enqueued, not as a failure.
var ErrDuplicateTask = errors.New("task already exists")

// ErrNotOwner is returned when a task mutation is attempted by an agent that does
// not hold the task's lease. The caller must stop processing that task immediately.
var ErrNotOwner = errors.New("not the task owner")

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskClaimed TaskState = "claimed"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// TaskStates lists every task state, in lifecycle order.
var TaskStates = []TaskState{TaskPending, TaskClaimed, TaskRunning, TaskDone, TaskFailed}

// TaskKind is the category of work a task represents.
type TaskKind string

const (
	KindReadIssue TaskKind = "read-issue"
	KindWriteCode TaskKind = "write-code"
	KindReviewPR  TaskKind = "review-pr"
)

// TaskKinds lists every task kind.
var TaskKinds = []TaskKind{KindReadIssue, KindWriteCode, KindReviewPR}

// Task is one unit of work, e.g. "handle issue #42".
//
// Owner is non-empty exactly while State is claimed or running, and LeaseExpiry
// is set for the same window. Once LeaseExpiry has passed the task is eligible
// for reclaim regardless of Owner.
type Task struct {
	ID           string          `json:"id"`
	Kind         TaskKind        `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        TaskState       `json:"state"`
	Owner        string          `json:"owner,omitempty"`
	LeaseExpiry  *time.Time      `json:"lease_expiry,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	Result       string          `json:"result,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AgentStatus is the liveness status of a registered agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentStatuses lists every agent status.
var AgentStatuses = []AgentStatus{AgentIdle, AgentBusy, AgentOffline}

// Agent is a registered worker identity. A busy agent holds exactly one
// claimed/running task; idle agents hold none.
type Agent struct {
	ID            string      `json:"id"`
	Role          string      `json:"role"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// TaskFilter selects tasks for ListTasks. AfterCreatedAt/AfterID form a
// cursor: set both to the last row of the previous page to resume listing
// past it.
type TaskFilter struct {
	State          TaskState // empty matches all states
	Kind           TaskKind  // empty matches all kinds
	AfterCreatedAt time.Time // zero means start from the beginning
	AfterID        string
	Limit          int // default 100, max 1000
}

// Store defines the persistence interface for coordination state.
//
// ClaimTask and the owner-checked mutations (ExtendLease, CompleteTask,
// FailTask) are single conditional updates against the backing store;
// implementations must never split them into a read followed by a separate
// write.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// ClaimTask atomically selects the oldest eligible task (pending, or
	// claimed/running with an expired lease) matching one of kinds, binds it to
	// agentID with the given lease deadline, and increments its attempt count.
	// Returns (nil, nil) when no task is eligible.
	ClaimTask(ctx context.Context, agentID string, kinds []TaskKind, leaseUntil time.Time) (*Task, error)

	// StartTask transitions a claimed task to running.
	StartTask(ctx context.Context, taskID, agentID string) error

	// ExtendLease moves the lease deadline of a running task. Stale calls after
	// the task was reclaimed fail with ErrNotOwner.
	ExtendLease(ctx context.Context, taskID, agentID string, leaseUntil time.Time) error

	// CompleteTask transitions a claimed/running task to done and clears its lease.
	CompleteTask(ctx context.Context, taskID, agentID, result string) error

	// FailTask records a failed attempt. The task goes terminal (failed) when its
	// attempt count has reached maxAttempts, otherwise back to pending with the
	// owner cleared. Returns whether the failure was terminal.
	FailTask(ctx context.Context, taskID, agentID, lastError string, maxAttempts int) (terminal bool, err error)

	// ReapExpiredTasks resets every claimed/running task whose lease deadline is
	// at or before now back to pending, clearing owners. Returns the reaped ids.
	ReapExpiredTasks(ctx context.Context, now time.Time) ([]string, error)

	// ReleaseAgentTasks force-releases any claimed/running task owned by agentID.
	ReleaseAgentTasks(ctx context.Context, agentID string) ([]string, error)

	CountTasksByState(ctx context.Context) (map[TaskState]int, error)

	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	AgentHeartbeat(ctx context.Context, agentID string, status AgentStatus, at time.Time) error

	// MarkAgentsOffline flips agents whose last heartbeat is at or before cutoff
	// to offline. Returns the ids of the agents that were flipped.
	MarkAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error)

	CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int, error)

	// Audit trail
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Close releases any resources held by the store
	Close() error
}
