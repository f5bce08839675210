// ABOUTME: Agent runtime driving the claim/execute/report cycle for one role
// ABOUTME: Heartbeats its lease while running and stops claiming on shutdown

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/entropy-playground/entropy-core/internal/queue"
	"github.com/entropy-playground/entropy-core/internal/store"
)

// Options configures a Runtime. Zero values fall back to the defaults below.
type Options struct {
	LeaseDuration     time.Duration // how long a claim holds without a heartbeat
	HeartbeatInterval time.Duration // clamped to LeaseDuration/3 at most
	ClaimBackoff      time.Duration // wait between empty claim attempts
	ShutdownGrace     time.Duration // time a running task gets to finish on shutdown
}

const (
	defaultLeaseDuration = 2 * time.Minute
	defaultClaimBackoff  = 5 * time.Second
	defaultShutdownGrace = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = defaultLeaseDuration
	}
	// A heartbeat must land well inside the lease to survive one missed beat.
	if max := o.LeaseDuration / 3; o.HeartbeatInterval <= 0 || o.HeartbeatInterval > max {
		o.HeartbeatInterval = max
	}
	if o.ClaimBackoff <= 0 {
		o.ClaimBackoff = defaultClaimBackoff
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	return o
}

// Runtime executes one role in a loop: claim, execute, report, release.
// Many runtimes across many processes coordinate purely through the queue;
// runtimes never talk to each other.
type Runtime struct {
	id       string
	role     Role
	queue    *queue.Queue
	store    store.Store
	executor Executor
	opts     Options
	logger   *slog.Logger
}

// NewRuntime creates a runtime for one agent identity.
func NewRuntime(id string, role Role, q *queue.Queue, st store.Store, exec Executor, opts Options, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		id:       id,
		role:     role,
		queue:    q,
		store:    st,
		executor: exec,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "agent", "agent_id", id, "role", role),
	}
}

// Run registers the agent and drives the claim loop until ctx is cancelled.
// A task in flight at shutdown gets ShutdownGrace to finish; past that it is
// abandoned and its lease lapses for the reaper.
func (r *Runtime) Run(ctx context.Context) error {
	now := time.Now().UTC()
	if err := r.store.UpsertAgent(ctx, &store.Agent{
		ID:            r.id,
		Role:          string(r.role),
		Status:        store.AgentIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}); err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}
	r.audit(ctx, store.AuditAgentStarted, "success", nil)
	r.logger.Info("agent started")

	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task, err := r.queue.Claim(ctx, r.id, r.role.Kinds(), r.opts.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("claim failed", "error", err)
			if !r.sleep(ctx, r.opts.ClaimBackoff) {
				return nil
			}
			continue
		}

		if task == nil {
			r.beat(ctx, store.AgentIdle)
			if !r.sleep(ctx, r.opts.ClaimBackoff) {
				return nil
			}
			continue
		}

		r.execute(ctx, task)
	}
}

// execute runs one claimed task to completion, heartbeating the lease.
func (r *Runtime) execute(ctx context.Context, task *store.Task) {
	logger := r.logger.With("task_id", task.ID, "attempt", task.AttemptCount)

	if err := r.queue.Start(ctx, task.ID, r.id); err != nil {
		logger.Error("starting task", "error", err)
		return
	}
	r.beat(ctx, store.AgentBusy)
	logger.Info("executing task")

	taskCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.executor.Execute(taskCtx, task)
		done <- outcome{result, err}
	}()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	var grace <-chan time.Time
	shutdownCh := ctx.Done()

	for {
		select {
		case out := <-done:
			r.report(task, logger, out.result, out.err)
			return

		case <-ticker.C:
			err := r.queue.Heartbeat(context.Background(), task.ID, r.id, r.opts.LeaseDuration)
			if errors.Is(err, store.ErrNotOwner) || errors.Is(err, store.ErrNotFound) {
				// The lease lapsed and someone else owns the task now; our
				// result would be stale, so stop working on it.
				logger.Warn("lease lost, abandoning task", "error", err)
				cancel()
				<-done
				return
			}
			if err != nil {
				logger.Error("heartbeat failed", "error", err)
			}
			r.beat(context.Background(), store.AgentBusy)

		case <-shutdownCh:
			logger.Info("shutdown requested, letting task finish", "grace", r.opts.ShutdownGrace)
			grace = time.After(r.opts.ShutdownGrace)
			shutdownCh = nil

		case <-grace:
			// Grace expired: abandon without reporting. Heartbeats stop here,
			// the lease lapses, and the reaper returns the task to pending.
			logger.Warn("shutdown grace expired, abandoning task")
			cancel()
			<-done
			return
		}
	}
}

// report records the task outcome. Uses a fresh context so a cancelled run
// context cannot lose a finished result.
func (r *Runtime) report(task *store.Task, logger *slog.Logger, result string, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if execErr != nil {
		terminal, err := r.queue.Fail(ctx, task.ID, r.id, execErr)
		if err != nil {
			logger.Error("recording failure", "error", err)
			return
		}
		logger.Warn("task failed", "terminal", terminal, "error", execErr)
	} else {
		if err := r.queue.Complete(ctx, task.ID, r.id, result); err != nil {
			logger.Error("recording completion", "error", err)
			return
		}
		logger.Info("task done")
	}
	r.beat(ctx, store.AgentIdle)
}

func (r *Runtime) beat(ctx context.Context, status store.AgentStatus) {
	if err := r.store.AgentHeartbeat(ctx, r.id, status, time.Now().UTC()); err != nil {
		r.logger.Error("agent heartbeat failed", "error", err)
	}
}

// sleep waits d or until ctx is cancelled; reports false on cancellation.
func (r *Runtime) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// shutdown marks the agent offline so status reads don't show a ghost.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.beat(ctx, store.AgentOffline)
	r.audit(ctx, store.AuditAgentStopped, "success", nil)
	r.logger.Info("agent stopped")
}

func (r *Runtime) audit(ctx context.Context, typ store.AuditEventType, outcome string, detail map[string]any) {
	err := r.store.AppendAuditEvent(ctx, &store.AuditEvent{
		Type:       typ,
		ActorID:    r.id,
		ActorType:  "agent",
		TargetType: "agent",
		TargetID:   r.id,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		r.logger.Error("appending audit event", "type", typ, "error", err)
	}
}
