// ABOUTME: Agent roles and the registry mapping roles to task executors
// ABOUTME: Each role handles exactly one task kind

package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/entropy-playground/entropy-core/internal/store"
)

// Role names what an agent does. Each role claims exactly one task kind.
type Role string

const (
	RoleReader   Role = "reader"
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"
)

var roleKinds = map[Role]store.TaskKind{
	RoleReader:   store.KindReadIssue,
	RoleCoder:    store.KindWriteCode,
	RoleReviewer: store.KindReviewPR,
}

// ParseRole validates a role name from config or flags.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleKinds[r]; !ok {
		return "", fmt.Errorf("unknown role %q (valid: %s)", s, strings.Join(roleNames(), ", "))
	}
	return r, nil
}

// Kinds returns the task kinds this role claims.
func (r Role) Kinds() []store.TaskKind {
	if kind, ok := roleKinds[r]; ok {
		return []store.TaskKind{kind}
	}
	return nil
}

func roleNames() []string {
	names := make([]string, 0, len(roleKinds))
	for r := range roleKinds {
		names = append(names, string(r))
	}
	sort.Strings(names)
	return names
}

// Executor runs the role-specific logic for one claimed task. Execute must
// honor ctx cancellation; the returned result is recorded on the task and
// posted back to the originating work item.
type Executor interface {
	Execute(ctx context.Context, task *store.Task) (result string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *store.Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *store.Task) (string, error) {
	return f(ctx, task)
}

// Registry maps roles to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[Role]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[Role]Executor)}
}

// Register binds an executor to a role. Duplicate registration is an error.
func (r *Registry) Register(role Role, exec Executor) error {
	if _, ok := roleKinds[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[role]; exists {
		return fmt.Errorf("executor already registered for role %q", role)
	}
	r.executors[role] = exec
	return nil
}

// Get returns the executor for a role.
func (r *Registry) Get(role Role) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[role]
	if !ok {
		registered := make([]string, 0, len(r.executors))
		for reg := range r.executors {
			registered = append(registered, string(reg))
		}
		sort.Strings(registered)
		return nil, fmt.Errorf("no executor for role %q (registered: %s)", role, strings.Join(registered, ", "))
	}
	return exec, nil
}
