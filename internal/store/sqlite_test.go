package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// newTask builds a pending task with the given id and kind.
func newTask(id string, kind TaskKind, createdAt time.Time) *Task {
	return &Task{
		ID:        id,
		Kind:      kind,
		Payload:   []byte(`{"number":42}`),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestStore_CreateTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	err := store.CreateTask(ctx, newTask("read-issue-42", KindReadIssue, now))
	require.NoError(t, err)

	task, err := store.GetTask(ctx, "read-issue-42")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.State)
	assert.Empty(t, task.Owner)
	assert.Nil(t, task.LeaseExpiry)
	assert.Equal(t, 0, task.AttemptCount)
}

func TestStore_CreateTask_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("read-issue-42", KindReadIssue, now)))

	// Second enqueue with the same id must fail and leave the record unchanged
	dup := newTask("read-issue-42", KindReadIssue, now)
	dup.Payload = []byte(`{"number":99}`)
	err := store.CreateTask(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	task, err := store.GetTask(ctx, "read-issue-42")
	require.NoError(t, err)
	assert.JSONEq(t, `{"number":42}`, string(task.Payload))

	tasks, err := store.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestStore_ListTasks_CursorPagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, store.CreateTask(ctx, newTask(id, KindReadIssue, base.Add(time.Duration(i)*time.Second))))
	}
	// Same created_at as t4; the id tiebreak orders it after t4
	require.NoError(t, store.CreateTask(ctx, newTask("t5", KindReadIssue, base.Add(4*time.Second))))

	var got []string
	filter := TaskFilter{Limit: 2}
	for {
		page, err := store.ListTasks(ctx, filter)
		require.NoError(t, err)
		for _, task := range page {
			got = append(got, task.ID)
		}
		if len(page) < filter.Limit {
			break
		}
		last := page[len(page)-1]
		filter.AfterCreatedAt = last.CreatedAt
		filter.AfterID = last.ID
	}

	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4", "t5"}, got,
		"pages cover every row exactly once in creation order")
}

func TestStore_GetTask_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetTask(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ClaimTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("read-issue-1", KindReadIssue, now)))

	lease := time.Now().UTC().Add(time.Minute)
	task, err := store.ClaimTask(ctx, "agent-a", []TaskKind{KindReadIssue}, lease)
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, "read-issue-1", task.ID)
	assert.Equal(t, TaskClaimed, task.State)
	assert.Equal(t, "agent-a", task.Owner)
	assert.Equal(t, 1, task.AttemptCount)
	require.NotNil(t, task.LeaseExpiry)
	assert.WithinDuration(t, lease, *task.LeaseExpiry, time.Millisecond)
}

func TestStore_ClaimTask_NoneEligible(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Empty queue is not an error
	task, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, task)

	// A task claimed under a live lease is not eligible either
	require.NoError(t, store.CreateTask(ctx, newTask("t1", KindReadIssue, time.Now().UTC())))
	_, err = store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	task, err = store.ClaimTask(ctx, "agent-b", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestStore_ClaimTask_OldestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("newer", KindReadIssue, base.Add(time.Second))))
	require.NoError(t, store.CreateTask(ctx, newTask("older", KindReadIssue, base)))

	task, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "older", task.ID)
}

func TestStore_ClaimTask_KindFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("issue", KindReadIssue, now)))
	require.NoError(t, store.CreateTask(ctx, newTask("review", KindReviewPR, now.Add(time.Second))))

	task, err := store.ClaimTask(ctx, "reviewer-1", []TaskKind{KindReviewPR}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "review", task.ID)

	task, err = store.ClaimTask(ctx, "reviewer-1", []TaskKind{KindReviewPR}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestStore_ClaimTask_ExpiredLeaseReclaim(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTask("t2", KindWriteCode, time.Now().UTC())))

	// Agent A claims with a lease that is already past due (simulated crash)
	task, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.AttemptCount)

	// Agent B can reclaim it; attempt count strictly increases
	task, err = store.ClaimTask(ctx, "agent-b", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t2", task.ID)
	assert.Equal(t, "agent-b", task.Owner)
	assert.Equal(t, 2, task.AttemptCount)
}

func TestStore_ClaimTask_ConcurrentMutualExclusion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const numTasks = 20
	const numClaimers = 8

	base := time.Now().UTC()
	for i := 0; i < numTasks; i++ {
		require.NoError(t, store.CreateTask(ctx,
			newTask(fmt.Sprintf("task-%03d", i), KindReadIssue, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	claimed := make(map[string]string) // task id -> claimer

	var wg sync.WaitGroup
	for c := 0; c < numClaimers; c++ {
		wg.Add(1)
		go func(claimer string) {
			defer wg.Done()
			for {
				task, err := store.ClaimTask(ctx, claimer, nil, time.Now().Add(time.Hour))
				if err != nil {
					t.Errorf("claim error: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", task.ID, prev, claimer)
				}
				claimed[task.ID] = claimer
				mu.Unlock()
			}
		}(fmt.Sprintf("claimer-%d", c))
	}
	wg.Wait()

	assert.Len(t, claimed, numTasks)
}

func TestStore_StartTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", KindReadIssue, time.Now().UTC())))
	_, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.StartTask(ctx, "t1", "agent-a"))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, task.State)

	// Wrong agent cannot start
	err = store.StartTask(ctx, "t1", "agent-b")
	assert.ErrorIs(t, err, ErrNotOwner)

	// Unknown task id
	err = store.StartTask(ctx, "missing", "agent-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ExtendLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", KindReadIssue, time.Now().UTC())))
	_, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.StartTask(ctx, "t1", "agent-a"))

	extended := time.Now().UTC().Add(2 * time.Minute)
	require.NoError(t, store.ExtendLease(ctx, "t1", "agent-a", extended))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, task.LeaseExpiry)
	assert.WithinDuration(t, extended, *task.LeaseExpiry, time.Millisecond)

	// Non-owner heartbeat never mutates state
	err = store.ExtendLease(ctx, "t1", "agent-b", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotOwner)

	task, err = store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.WithinDuration(t, extended, *task.LeaseExpiry, time.Millisecond)
}

func TestStore_ExtendLease_StaleAfterReclaim(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", KindReadIssue, time.Now().UTC())))

	// Agent A claims and starts, but its lease lapses
	_, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, store.StartTask(ctx, "t1", "agent-a"))
	time.Sleep(20 * time.Millisecond)

	// Agent B reclaims after expiry
	task, err := store.ClaimTask(ctx, "agent-b", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "agent-b", task.Owner)

	// A's stale heartbeat must be rejected, not silently accepted
	err = store.ExtendLease(ctx, "t1", "agent-a", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestStore_CompleteTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", KindReadIssue, time.Now().UTC())))
	_, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.CompleteTask(ctx, "t1", "agent-a", `{"summary":"done"}`))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskDone, task.State)
	assert.Empty(t, task.Owner)
	assert.Nil(t, task.LeaseExpiry)
	assert.Equal(t, `{"summary":"done"}`, task.Result)

	// A done task is never returned by a later claim
	next, err := store.ClaimTask(ctx, "agent-b", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStore_CompleteTask_NotOwner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", KindReadIssue, time.Now().UTC())))
	_, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	err = store.CompleteTask(ctx, "t1", "agent-b", "stolen")
	assert.ErrorIs(t, err, ErrNotOwner)

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskClaimed, task.State)
	assert.Equal(t, "agent-a", task.Owner)
}

func TestStore_FailTask_RetryThenTerminal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const maxAttempts = 3
	require.NoError(t, store.CreateTask(ctx, newTask("t3", KindWriteCode, time.Now().UTC())))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		task, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d should find the task", attempt)
		assert.Equal(t, attempt, task.AttemptCount)

		terminal, err := store.FailTask(ctx, "t3", "agent-a", "boom", maxAttempts)
		require.NoError(t, err)
		assert.Equal(t, attempt == maxAttempts, terminal)
	}

	task, err := store.GetTask(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.State)
	assert.Equal(t, "boom", task.LastError)

	// Permanently failed tasks are never claimed again
	next, err := store.ClaimTask(ctx, "agent-b", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStore_FailTask_NotOwner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, newTask("t1", KindReadIssue, time.Now().UTC())))
	_, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = store.FailTask(ctx, "t1", "agent-b", "nope", 3)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = store.FailTask(ctx, "missing", "agent-a", "nope", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReapExpiredTasks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("expired", KindReadIssue, now)))
	require.NoError(t, store.CreateTask(ctx, newTask("live", KindReadIssue, now.Add(time.Second))))

	_, err := store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = store.ClaimTask(ctx, "agent-b", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	reaped, err := store.ReapExpiredTasks(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"expired"}, reaped)

	task, err := store.GetTask(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.State)
	assert.Empty(t, task.Owner)
	assert.Nil(t, task.LeaseExpiry)

	// The live lease is untouched
	task, err = store.GetTask(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, TaskClaimed, task.State)
	assert.Equal(t, "agent-b", task.Owner)
}

func TestStore_ReleaseAgentTasks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("held", KindReadIssue, now)))
	require.NoError(t, store.CreateTask(ctx, newTask("other", KindReadIssue, now.Add(time.Second))))

	_, err := store.ClaimTask(ctx, "dead-agent", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = store.ClaimTask(ctx, "live-agent", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	released, err := store.ReleaseAgentTasks(ctx, "dead-agent")
	require.NoError(t, err)
	assert.Equal(t, []string{"held"}, released)

	task, err := store.GetTask(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.State)

	task, err = store.GetTask(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "live-agent", task.Owner)
}

func TestStore_CountTasksByState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	counts, err := store.CountTasksByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[TaskPending])
	assert.Len(t, counts, len(TaskStates))

	now := time.Now().UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("a", KindReadIssue, now)))
	require.NoError(t, store.CreateTask(ctx, newTask("b", KindReadIssue, now)))
	_, err = store.ClaimTask(ctx, "agent-a", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	counts, err = store.CountTasksByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskPending])
	assert.Equal(t, 1, counts[TaskClaimed])
	assert.Equal(t, 0, counts[TaskDone])
}

func TestStore_Agents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	agent := &Agent{
		ID:            "reader-1",
		Role:          "reader",
		Status:        AgentIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	require.NoError(t, store.UpsertAgent(ctx, agent))

	got, err := store.GetAgent(ctx, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, "reader", got.Role)
	assert.Equal(t, AgentIdle, got.Status)

	// Heartbeat flips status and advances the timestamp
	later := now.Add(10 * time.Second)
	require.NoError(t, store.AgentHeartbeat(ctx, "reader-1", AgentBusy, later))

	got, err = store.GetAgent(ctx, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, AgentBusy, got.Status)
	assert.True(t, got.LastHeartbeat.Equal(later))

	err = store.AgentHeartbeat(ctx, "ghost", AgentIdle, later)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MarkAgentsOffline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	stale := &Agent{ID: "stale", Role: "coder", Status: AgentBusy, LastHeartbeat: now.Add(-time.Minute), RegisteredAt: now}
	fresh := &Agent{ID: "fresh", Role: "coder", Status: AgentIdle, LastHeartbeat: now, RegisteredAt: now}
	require.NoError(t, store.UpsertAgent(ctx, stale))
	require.NoError(t, store.UpsertAgent(ctx, fresh))

	flipped, err := store.MarkAgentsOffline(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, flipped)

	counts, err := store.CountAgentsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[AgentOffline])
	assert.Equal(t, 1, counts[AgentIdle])
	assert.Equal(t, 0, counts[AgentBusy])

	// Already-offline agents are not flipped again
	flipped, err = store.MarkAgentsOffline(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, flipped)
}
