// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Task/agent persistence with single-statement conditional updates for leases

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Block on the write lock instead of surfacing SQLITE_BUSY to concurrent claimers
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps on tasks and agents are stored as unix nanoseconds so lease
// deadline comparisons are exact.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			payload       TEXT NOT NULL,
			state         TEXT NOT NULL,
			owner         TEXT NOT NULL DEFAULT '',
			lease_expiry  INTEGER,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			result        TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,

			CHECK (kind IN ('read-issue', 'write-code', 'review-pr')),
			CHECK (state IN ('pending', 'claimed', 'running', 'done', 'failed')),
			CHECK ((owner = '') = (state NOT IN ('claimed', 'running')))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
		CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(kind, state, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(lease_expiry) WHERE lease_expiry IS NOT NULL;

		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			role           TEXT NOT NULL,
			status         TEXT NOT NULL,
			last_heartbeat INTEGER NOT NULL,
			registered_at  INTEGER NOT NULL,

			CHECK (status IN ('idle', 'busy', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS audit_events (
			event_id    TEXT PRIMARY KEY,
			event_type  TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			actor_type  TEXT NOT NULL,
			target_type TEXT,
			target_id   TEXT,
			outcome     TEXT NOT NULL DEFAULT 'success',
			detail_json TEXT,
			ts          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

const taskColumns = `id, kind, payload, state, owner, lease_expiry, attempt_count, result, last_error, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload string
	var leaseExpiry sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID,
		&t.Kind,
		&payload,
		&t.State,
		&t.Owner,
		&leaseExpiry,
		&t.AttemptCount,
		&t.Result,
		&t.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Payload = []byte(payload)
	if leaseExpiry.Valid {
		le := time.Unix(0, leaseExpiry.Int64).UTC()
		t.LeaseExpiry = &le
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &t, nil
}

// CreateTask inserts a new task in state pending.
// Returns ErrDuplicateTask if a task with the same id already exists.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	payload := task.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO tasks (id, kind, payload, state, owner, lease_expiry, attempt_count, result, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', '', NULL, 0, '', '', ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Kind,
		string(payload),
		task.CreatedAt.UnixNano(),
		task.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "kind", task.Kind)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks retrieves tasks matching the filter, oldest first. With a cursor
// set, only rows strictly after (created_at, id) are returned, so callers can
// page through result sets larger than the limit cap.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var afterNano int64
	if !filter.AfterCreatedAt.IsZero() {
		afterNano = filter.AfterCreatedAt.UnixNano()
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE (? = '' OR state = ?)
		  AND (? = '' OR kind = ?)
		  AND (? = 0 OR created_at > ? OR (created_at = ? AND id > ?))
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		string(filter.State), string(filter.State),
		string(filter.Kind), string(filter.Kind),
		afterNano, afterNano, afterNano, filter.AfterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// ClaimTask atomically binds the oldest eligible task to agentID.
//
// Selection and mutation happen in one UPDATE so concurrent claimers can never
// receive the same task: SQLite serializes writers, and the subselect re-runs
// under the write lock.
func (s *SQLiteStore) ClaimTask(ctx context.Context, agentID string, kinds []TaskKind, leaseUntil time.Time) (*Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(kinds) == 0 {
		kinds = TaskKinds
	}

	placeholders := strings.Repeat("?, ", len(kinds)-1) + "?"
	now := time.Now().UTC()

	query := `
		UPDATE tasks
		SET state = 'claimed',
		    owner = ?,
		    lease_expiry = ?,
		    attempt_count = attempt_count + 1,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE kind IN (` + placeholders + `)
			  AND (state = 'pending'
			       OR (state IN ('claimed', 'running') AND lease_expiry <= ?))
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING ` + taskColumns

	args := []any{agentID, leaseUntil.UnixNano(), now.UnixNano()}
	for _, k := range kinds {
		args = append(args, string(k))
	}
	args = append(args, now.UnixNano())

	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil // no eligible task, expected steady state
	}
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}

	s.logger.Debug("claimed task",
		"id", task.ID,
		"owner", agentID,
		"attempt", task.AttemptCount,
		"lease_expiry", leaseUntil,
	)
	return task, nil
}

// taskOwnerError resolves a zero-row conditional update into ErrNotFound or
// ErrNotOwner, without mutating anything.
func (s *SQLiteStore) taskOwnerError(ctx context.Context, taskID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking task existence: %w", err)
	}
	return ErrNotOwner
}

// StartTask transitions a claimed task to running.
// Returns ErrNotOwner if the caller does not hold the claim.
func (s *SQLiteStore) StartTask(ctx context.Context, taskID, agentID string) error {
	query := `
		UPDATE tasks
		SET state = 'running', updated_at = ?
		WHERE id = ? AND owner = ? AND state = 'claimed'
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC().UnixNano(), taskID, agentID)
	if err != nil {
		return fmt.Errorf("starting task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.taskOwnerError(ctx, taskID)
	}

	s.logger.Debug("task running", "id", taskID, "owner", agentID)
	return nil
}

// ExtendLease moves the lease deadline of a running task owned by agentID.
// A heartbeat arriving after the task was reclaimed fails with ErrNotOwner
// because the reclaim rewrote owner and state.
func (s *SQLiteStore) ExtendLease(ctx context.Context, taskID, agentID string, leaseUntil time.Time) error {
	query := `
		UPDATE tasks
		SET lease_expiry = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND state = 'running'
	`

	result, err := s.db.ExecContext(ctx, query,
		leaseUntil.UnixNano(),
		time.Now().UTC().UnixNano(),
		taskID,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.taskOwnerError(ctx, taskID)
	}

	s.logger.Debug("extended lease", "id", taskID, "owner", agentID, "lease_expiry", leaseUntil)
	return nil
}

// CompleteTask transitions a claimed/running task to done.
// Returns ErrNotOwner if the caller is not the current owner.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID, agentID, result string) error {
	query := `
		UPDATE tasks
		SET state = 'done', owner = '', lease_expiry = NULL, result = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND state IN ('claimed', 'running')
	`

	res, err := s.db.ExecContext(ctx, query, result, time.Now().UTC().UnixNano(), taskID, agentID)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.taskOwnerError(ctx, taskID)
	}

	s.logger.Debug("completed task", "id", taskID, "owner", agentID)
	return nil
}

// FailTask records a failed attempt as one conditional update. The CASE picks
// terminal failed once the attempt count has reached maxAttempts, otherwise the
// task returns to pending for another agent to reclaim.
func (s *SQLiteStore) FailTask(ctx context.Context, taskID, agentID, lastError string, maxAttempts int) (bool, error) {
	query := `
		UPDATE tasks
		SET state = CASE WHEN attempt_count >= ? THEN 'failed' ELSE 'pending' END,
		    owner = '',
		    lease_expiry = NULL,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ? AND owner = ? AND state IN ('claimed', 'running')
		RETURNING state
	`

	var state string
	err := s.db.QueryRowContext(ctx, query,
		maxAttempts,
		lastError,
		time.Now().UTC().UnixNano(),
		taskID,
		agentID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return false, s.taskOwnerError(ctx, taskID)
	}
	if err != nil {
		return false, fmt.Errorf("failing task: %w", err)
	}

	terminal := state == string(TaskFailed)
	s.logger.Debug("failed task", "id", taskID, "owner", agentID, "terminal", terminal)
	return terminal, nil
}

// ReapExpiredTasks resets claimed/running tasks whose lease is past due back to
// pending. Invoked by the coordinator's sweep, never by agents.
func (s *SQLiteStore) ReapExpiredTasks(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		UPDATE tasks
		SET state = 'pending', owner = '', lease_expiry = NULL, updated_at = ?
		WHERE state IN ('claimed', 'running') AND lease_expiry <= ?
		RETURNING id
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().UnixNano(), now.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("reaping expired tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning reaped task id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reaped tasks: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Info("reaped expired leases", "count", len(ids), "ids", ids)
	}
	return ids, nil
}

// ReleaseAgentTasks force-releases every claimed/running task held by agentID,
// regardless of lease deadline. Used when an agent is marked offline.
func (s *SQLiteStore) ReleaseAgentTasks(ctx context.Context, agentID string) ([]string, error) {
	query := `
		UPDATE tasks
		SET state = 'pending', owner = '', lease_expiry = NULL, updated_at = ?
		WHERE owner = ? AND state IN ('claimed', 'running')
		RETURNING id
	`

	rows, err := s.db.QueryContext(ctx, query, time.Now().UTC().UnixNano(), agentID)
	if err != nil {
		return nil, fmt.Errorf("releasing agent tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning released task id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating released tasks: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Info("released tasks from offline agent", "agent_id", agentID, "count", len(ids))
	}
	return ids, nil
}

// CountTasksByState returns the number of tasks per state. States with no
// tasks are present with a zero count.
func (s *SQLiteStore) CountTasksByState(ctx context.Context) (map[TaskState]int, error) {
	counts := make(map[TaskState]int, len(TaskStates))
	for _, state := range TaskStates {
		counts[state] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts[TaskState(state)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task counts: %w", err)
	}
	return counts, nil
}

// UpsertAgent registers an agent or refreshes an existing registration.
// Re-registration resets status and heartbeat but keeps the original
// registration time.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, role, status, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Role,
		agent.Status,
		agent.LastHeartbeat.UnixNano(),
		agent.RegisteredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("registered agent", "id", agent.ID, "role", agent.Role)
	return nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var lastHeartbeat, registeredAt int64

	err := row.Scan(&a.ID, &a.Role, &a.Status, &lastHeartbeat, &registeredAt)
	if err != nil {
		return nil, err
	}

	a.LastHeartbeat = time.Unix(0, lastHeartbeat).UTC()
	a.RegisteredAt = time.Unix(0, registeredAt).UTC()
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT id, role, status, last_heartbeat, registered_at FROM agents WHERE id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all registered agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT id, role, status, last_heartbeat, registered_at FROM agents ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// AgentHeartbeat updates an agent's status and heartbeat timestamp.
// Returns ErrNotFound if the agent is not registered.
func (s *SQLiteStore) AgentHeartbeat(ctx context.Context, agentID string, status AgentStatus, at time.Time) error {
	query := `UPDATE agents SET status = ?, last_heartbeat = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, status, at.UnixNano(), agentID)
	if err != nil {
		return fmt.Errorf("updating agent heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAgentsOffline flips non-offline agents whose heartbeat is at or before
// cutoff to offline and returns their ids.
func (s *SQLiteStore) MarkAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		UPDATE agents
		SET status = 'offline'
		WHERE status != 'offline' AND last_heartbeat <= ?
		RETURNING id
	`

	rows, err := s.db.QueryContext(ctx, query, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("marking agents offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning offline agent id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating offline agents: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Warn("marked agents offline", "count", len(ids), "ids", ids)
	}
	return ids, nil
}

// CountAgentsByStatus returns the number of agents per status. Statuses with
// no agents are present with a zero count.
func (s *SQLiteStore) CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int, error) {
	counts := make(map[AgentStatus]int, len(AgentStatuses))
	for _, status := range AgentStatuses {
		counts[status] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting agents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning agent count: %w", err)
		}
		counts[AgentStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent counts: %w", err)
	}
	return counts, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
