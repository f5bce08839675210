// ABOUTME: Coordinator sourcing tasks from GitHub and reconciling leases
// ABOUTME: Runs the poll/sweep/chain cycle and aggregates status for operators

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/entropy-playground/entropy-core/internal/dedupe"
	"github.com/entropy-playground/entropy-core/internal/github"
	"github.com/entropy-playground/entropy-core/internal/queue"
	"github.com/entropy-playground/entropy-core/internal/store"
)

// Options configures the coordinator's timing.
type Options struct {
	PollInterval     time.Duration // cycle interval for poll + sweep + chain
	OfflineThreshold time.Duration // missed-heartbeat window before an agent is offline
	DedupeCacheSize  int           // work-item keys remembered between polls
}

const (
	defaultPollInterval     = 30 * time.Second
	defaultOfflineThreshold = 3 * time.Minute
	defaultDedupeCacheSize  = 10000
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.OfflineThreshold <= 0 {
		o.OfflineThreshold = defaultOfflineThreshold
	}
	if o.DedupeCacheSize <= 0 {
		o.DedupeCacheSize = defaultDedupeCacheSize
	}
	return o
}

// followUps maps a finished task kind to the kind enqueued next. A triaged
// issue gets an implementation task; implemented work gets a review task.
var followUps = map[store.TaskKind]store.TaskKind{
	store.KindReadIssue: store.KindWriteCode,
	store.KindWriteCode: store.KindReviewPR,
}

// Coordinator is the single active reconciliation instance. It sources new
// tasks from the GitHub collaborator, reaps expired leases, flips silent
// agents offline, and chains follow-up tasks for finished work. Agents never
// talk to it directly; everything flows through the queue.
type Coordinator struct {
	queue     *queue.Queue
	store     store.Store
	gh        github.Client
	seen      *dedupe.Cache
	opts      Options
	chainPage int
	logger    *slog.Logger
}

// New creates a coordinator.
func New(q *queue.Queue, st store.Store, gh github.Client, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Coordinator{
		queue:     q,
		store:     st,
		gh:        gh,
		seen:      dedupe.New(opts.PollInterval*10, opts.DedupeCacheSize),
		opts:      opts,
		chainPage: 500,
		logger:    logger.With("component", "coordinator"),
	}
}

// Run drives the poll/sweep/chain cycle until ctx is cancelled. Upstream
// failures are logged and retried next tick; they never stop the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.auditSystem(ctx, store.AuditSystemStartup)
	c.logger.Info("coordinator started",
		"poll_interval", c.opts.PollInterval,
		"offline_threshold", c.opts.OfflineThreshold,
	)
	defer func() {
		c.seen.Close()
		c.auditSystem(context.Background(), store.AuditSystemShutdown)
		c.logger.Info("coordinator stopped")
	}()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	// First cycle runs immediately rather than one interval in.
	c.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Cycle(ctx)
		}
	}
}

// Cycle runs one poll + sweep + chain pass. Each stage failing is contained
// to that stage.
func (c *Coordinator) Cycle(ctx context.Context) {
	if err := c.poll(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("poll failed, retrying next cycle", "error", err)
	}
	if err := c.sweep(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("sweep failed, retrying next cycle", "error", err)
	}
	if err := c.chain(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("chaining failed, retrying next cycle", "error", err)
	}
}

// poll lists open GitHub items and enqueues a task per item not yet
// represented. Task ids derive deterministically from the item so enqueue
// stays idempotent across restarts.
func (c *Coordinator) poll(ctx context.Context) error {
	items, err := c.gh.ListOpenItems(ctx)
	if err != nil {
		return fmt.Errorf("listing open items: %w", err)
	}

	enqueued := 0
	for _, item := range items {
		taskID := fmt.Sprintf("%s-%s", item.Kind, item.ID)
		if c.seen.CheckAndMark(taskID) {
			continue
		}

		_, err := c.queue.Enqueue(ctx, taskID, item.Kind, item.Payload)
		switch {
		case errors.Is(err, store.ErrDuplicateTask):
			c.logger.Debug("item already enqueued", "task_id", taskID)
		case err != nil:
			// Next poll must retry this item, so drop it from the cache.
			c.seen.Forget(taskID)
			c.logger.Error("enqueue failed", "task_id", taskID, "error", err)
		default:
			enqueued++
		}
	}

	if enqueued > 0 {
		c.logger.Info("enqueued new work items", "count", enqueued, "open_items", len(items))
	}
	return nil
}

// sweep reaps expired leases and flips silent agents offline, force-releasing
// whatever they still held.
func (c *Coordinator) sweep(ctx context.Context) error {
	reaped, err := c.queue.ReapExpired(ctx)
	if err != nil {
		return err
	}
	if len(reaped) > 0 {
		c.logger.Warn("reaped expired leases", "task_ids", reaped)
	}

	cutoff := time.Now().UTC().Add(-c.opts.OfflineThreshold)
	offline, err := c.store.MarkAgentsOffline(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("marking agents offline: %w", err)
	}

	for _, agentID := range offline {
		released, err := c.store.ReleaseAgentTasks(ctx, agentID)
		if err != nil {
			return fmt.Errorf("releasing tasks of offline agent %s: %w", agentID, err)
		}
		c.logger.Warn("agent went offline", "agent_id", agentID, "released_tasks", released)
		c.audit(ctx, &store.AuditEvent{
			Type:       store.AuditAgentOffline,
			ActorID:    "coordinator",
			ActorType:  "coordinator",
			TargetType: "agent",
			TargetID:   agentID,
			Detail:     map[string]any{"released_tasks": released},
		})
	}
	return nil
}

// chain enqueues follow-up tasks for finished work: read-issue done leads to
// write-code, write-code done leads to review-pr. Deterministic follow-up ids
// make the pass idempotent, so rescanning all done tasks each cycle is safe.
// The listing is paged with a (created_at, id) cursor so completions beyond
// one page still get their follow-up.
func (c *Coordinator) chain(ctx context.Context) error {
	for fromKind, toKind := range followUps {
		filter := store.TaskFilter{State: store.TaskDone, Kind: fromKind, Limit: c.chainPage}
		for {
			page, err := c.store.ListTasks(ctx, filter)
			if err != nil {
				return fmt.Errorf("listing done %s tasks: %w", fromKind, err)
			}

			for _, task := range page {
				followID := fmt.Sprintf("%s:%s", toKind, task.ID)
				if c.seen.CheckAndMark(followID) {
					continue
				}

				_, err := c.queue.Enqueue(ctx, followID, toKind, task.Payload)
				switch {
				case errors.Is(err, store.ErrDuplicateTask):
				case err != nil:
					c.seen.Forget(followID)
					c.logger.Error("enqueuing follow-up failed", "task_id", followID, "error", err)
				default:
					c.logger.Info("enqueued follow-up task", "task_id", followID, "from", task.ID)
				}
			}

			if len(page) < c.chainPage {
				break
			}
			last := page[len(page)-1]
			filter.AfterCreatedAt = last.CreatedAt
			filter.AfterID = last.ID
		}
	}
	return nil
}

// Status is the read-only aggregate exposed to operators.
type Status struct {
	Tasks     map[store.TaskState]int   `json:"tasks"`
	Agents    map[store.AgentStatus]int `json:"agents"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Status aggregates counts per task state and agent status. Read-only.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	tasks, err := c.store.CountTasksByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	agents, err := c.store.CountAgentsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting agents: %w", err)
	}
	return &Status{Tasks: tasks, Agents: agents, Timestamp: time.Now().UTC()}, nil
}

func (c *Coordinator) auditSystem(ctx context.Context, typ store.AuditEventType) {
	c.audit(ctx, &store.AuditEvent{
		Type:      typ,
		ActorID:   "coordinator",
		ActorType: "system",
	})
}

func (c *Coordinator) audit(ctx context.Context, e *store.AuditEvent) {
	if err := c.store.AppendAuditEvent(ctx, e); err != nil {
		c.logger.Error("appending audit event", "type", e.Type, "error", err)
	}
}
