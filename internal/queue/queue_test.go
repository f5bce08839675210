package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropy-playground/entropy-core/internal/events"
	"github.com/entropy-playground/entropy-core/internal/store"
)

func setupTestQueue(t *testing.T) (*Queue, store.Store, *events.Broadcaster) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := events.NewBroadcaster(nil)
	t.Cleanup(b.Close)

	return New(st, b, 3, nil), st, b
}

func TestQueue_EnqueueIdempotent(t *testing.T) {
	q, st, _ := setupTestQueue(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"issue_number":42}`)
	task, err := q.Enqueue(ctx, "read-issue-42", store.KindReadIssue, payload)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.State)

	_, err = q.Enqueue(ctx, "read-issue-42", store.KindReadIssue, payload)
	assert.ErrorIs(t, err, store.ErrDuplicateTask)

	// The duplicate left the stored task untouched
	got, err := st.GetTask(ctx, "read-issue-42")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.State)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestQueue_ClaimRunCompleteLifecycle(t *testing.T) {
	q, st, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t1", store.KindWriteCode, json.RawMessage(`{}`))
	require.NoError(t, err)

	task, err := q.Claim(ctx, "agent-a", []store.TaskKind{store.KindWriteCode}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "agent-a", task.Owner)
	assert.Equal(t, 1, task.AttemptCount)

	// While the lease holds, nobody else gets the task
	other, err := q.Claim(ctx, "agent-b", []store.TaskKind{store.KindWriteCode}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, q.Start(ctx, "t1", "agent-a"))
	require.NoError(t, q.Heartbeat(ctx, "t1", "agent-a", time.Minute))
	require.NoError(t, q.Complete(ctx, "t1", "agent-a", `{"pr":7}`))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskDone, got.State)
	assert.Equal(t, `{"pr":7}`, got.Result)

	// Done tasks are never handed out again
	again, err := q.Claim(ctx, "agent-b", []store.TaskKind{store.KindWriteCode}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestQueue_ClaimNothingEligible(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	task, err := q.Claim(context.Background(), "agent-a", []store.TaskKind{store.KindReadIssue}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestQueue_ExpiredLeaseReclaimedBySecondAgent(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t1", store.KindReadIssue, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Agent A claims with a lease that is already in the past
	first, err := q.Claim(ctx, "agent-a", []store.TaskKind{store.KindReadIssue}, -time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Claim(ctx, "agent-b", []store.TaskKind{store.KindReadIssue}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "agent-b", second.Owner)
	assert.Equal(t, 2, second.AttemptCount)

	// Agent A's stale heartbeat and completion are rejected
	assert.ErrorIs(t, q.Heartbeat(ctx, "t1", "agent-a", time.Minute), store.ErrNotOwner)
	assert.ErrorIs(t, q.Complete(ctx, "t1", "agent-a", "late"), store.ErrNotOwner)
}

func TestQueue_FailRetriesUntilTerminal(t *testing.T) {
	q, st, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t1", store.KindReviewPR, json.RawMessage(`{}`))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		task, err := q.Claim(ctx, "agent-a", []store.TaskKind{store.KindReviewPR}, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, task.AttemptCount)

		terminal, err := q.Fail(ctx, "t1", "agent-a", errors.New("review crashed"))
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, terminal)
	}

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.State)
	assert.Equal(t, "review crashed", got.LastError)

	task, err := q.Claim(ctx, "agent-a", []store.TaskKind{store.KindReviewPR}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task, "terminally failed tasks are not claimable")
}

func TestQueue_ReapExpired(t *testing.T) {
	q, st, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t1", store.KindReadIssue, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent-a", []store.TaskKind{store.KindReadIssue}, -time.Second)
	require.NoError(t, err)

	ids, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.State)
	assert.Empty(t, got.Owner)
	assert.Equal(t, 1, got.AttemptCount, "reap preserves the attempt count")
}

func TestQueue_PublishesLifecycleEvents(t *testing.T) {
	q, _, b := setupTestQueue(t)
	ctx := context.Background()

	ch, _ := b.Subscribe(ctx)

	_, err := q.Enqueue(ctx, "t1", store.KindReadIssue, json.RawMessage(`{}`))
	require.NoError(t, err)
	task, err := q.Claim(ctx, "agent-a", []store.TaskKind{store.KindReadIssue}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, q.Start(ctx, "t1", "agent-a"))
	require.NoError(t, q.Complete(ctx, "t1", "agent-a", "ok"))

	want := []events.Type{events.TaskEnqueued, events.TaskAssigned, events.TaskStarted, events.TaskCompleted}
	for _, typ := range want {
		select {
		case ev := <-ch:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, "t1", ev.TaskID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestQueue_RecordsAuditTrail(t *testing.T) {
	q, st, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t1", store.KindReadIssue, json.RawMessage(`{}`))
	require.NoError(t, err)
	task, err := q.Claim(ctx, "agent-a", []store.TaskKind{store.KindReadIssue}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = q.Fail(ctx, "t1", "agent-a", errors.New("boom"))
	require.NoError(t, err)

	target := "t1"
	evts, err := st.ListAuditEvents(ctx, store.AuditFilter{TargetID: &target})
	require.NoError(t, err)
	require.Len(t, evts, 3)

	// Newest first
	assert.Equal(t, store.AuditTaskFailed, evts[0].Type)
	assert.Equal(t, "failure", evts[0].Outcome)
	assert.Equal(t, false, evts[0].Detail["terminal"])
	assert.Equal(t, store.AuditTaskAssigned, evts[1].Type)
	assert.Equal(t, store.AuditTaskEnqueued, evts[2].Type)
}
