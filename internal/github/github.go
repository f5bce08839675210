// ABOUTME: Narrow interface over the GitHub collaborator used to source work
// ABOUTME: and report results; the coordination core never sees GitHub types directly

package github

import (
	"context"
	"encoding/json"

	"github.com/entropy-playground/entropy-core/internal/store"
)

// WorkItem is one open issue or pull request, reduced to what the
// coordinator needs to enqueue a task for it.
type WorkItem struct {
	ID      string          // stable GitHub-side identifier (issue/PR number)
	Kind    store.TaskKind  // read-issue for issues, review-pr for pull requests
	Payload json.RawMessage // passed through to the task untouched
}

// Client is the collaborator interface the coordinator and agent executors
// depend on. Failures from either method are transient: callers log, back
// off, and retry on the next cycle.
type Client interface {
	// ListOpenItems returns the currently open issues and pull requests of
	// the configured repository.
	ListOpenItems(ctx context.Context) ([]WorkItem, error)

	// PostResult publishes a task's result back to the originating item as a
	// comment.
	PostResult(ctx context.Context, itemID, result string) error
}
