// ABOUTME: Built-in executors for the reader, coder, and reviewer roles
// ABOUTME: Each parses the task payload and reports through the GitHub collaborator

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/entropy-playground/entropy-core/internal/github"
	"github.com/entropy-playground/entropy-core/internal/store"
)

// itemPayload is the shape the coordinator enqueues for GitHub work items.
type itemPayload struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	URL    string   `json:"url"`
	Labels []string `json:"labels"`
}

func decodePayload(task *store.Task) (*itemPayload, error) {
	var p itemPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload of task %s: %w", task.ID, err)
	}
	if p.Number == 0 {
		return nil, fmt.Errorf("task %s payload has no item number", task.ID)
	}
	return &p, nil
}

// NewReaderExecutor returns the executor for read-issue tasks: it analyzes
// the issue and posts a triage summary back as a comment.
func NewReaderExecutor(client github.Client) Executor {
	return ExecutorFunc(func(ctx context.Context, task *store.Task) (string, error) {
		p, err := decodePayload(task)
		if err != nil {
			return "", err
		}

		summary := analyzeIssue(p)
		if err := client.PostResult(ctx, strconv.Itoa(p.Number), summary); err != nil {
			return "", fmt.Errorf("posting triage for issue %d: %w", p.Number, err)
		}

		result, err := json.Marshal(map[string]any{"issue": p.Number, "summary": summary})
		if err != nil {
			return "", fmt.Errorf("encoding result: %w", err)
		}
		return string(result), nil
	})
}

// NewCoderExecutor returns the executor for write-code tasks: it posts an
// implementation plan to the issue. Driving an actual code-generation backend
// plugs in by registering a different executor for the coder role.
func NewCoderExecutor(client github.Client) Executor {
	return ExecutorFunc(func(ctx context.Context, task *store.Task) (string, error) {
		p, err := decodePayload(task)
		if err != nil {
			return "", err
		}

		plan := fmt.Sprintf("Implementation plan for #%d (%s):\n\n"+
			"1. Reproduce the reported behavior\n"+
			"2. Implement the change with tests\n"+
			"3. Open a pull request referencing #%d",
			p.Number, p.Title, p.Number)
		if err := client.PostResult(ctx, strconv.Itoa(p.Number), plan); err != nil {
			return "", fmt.Errorf("posting plan for issue %d: %w", p.Number, err)
		}

		result, err := json.Marshal(map[string]any{"issue": p.Number, "plan_posted": true})
		if err != nil {
			return "", fmt.Errorf("encoding result: %w", err)
		}
		return string(result), nil
	})
}

// NewReviewerExecutor returns the executor for review-pr tasks: it posts a
// review checklist on the pull request.
func NewReviewerExecutor(client github.Client) Executor {
	return ExecutorFunc(func(ctx context.Context, task *store.Task) (string, error) {
		p, err := decodePayload(task)
		if err != nil {
			return "", err
		}

		review := fmt.Sprintf("Review notes for #%d (%s):\n\n"+
			"- Verify tests cover the changed paths\n"+
			"- Check error handling on new external calls\n"+
			"- Confirm the description matches the diff",
			p.Number, p.Title)
		if err := client.PostResult(ctx, strconv.Itoa(p.Number), review); err != nil {
			return "", fmt.Errorf("posting review for PR %d: %w", p.Number, err)
		}

		result, err := json.Marshal(map[string]any{"pr": p.Number, "reviewed": true})
		if err != nil {
			return "", fmt.Errorf("encoding result: %w", err)
		}
		return string(result), nil
	})
}

// analyzeIssue builds a triage summary from the issue payload.
func analyzeIssue(p *itemPayload) string {
	category := "needs-triage"
	for _, l := range p.Labels {
		switch l {
		case "bug":
			category = "bug"
		case "enhancement", "feature":
			category = "enhancement"
		case "documentation", "docs":
			category = "documentation"
		}
	}

	body := p.Body
	if len(body) > 280 {
		body = body[:280] + "…"
	}

	return fmt.Sprintf("Triage of #%d: %s\n\nCategory: %s\n\n%s", p.Number, p.Title, category, body)
}

// DefaultRegistry returns a registry with the three built-in executors bound.
func DefaultRegistry(client github.Client) (*Registry, error) {
	reg := NewRegistry()
	for role, build := range map[Role]func(github.Client) Executor{
		RoleReader:   NewReaderExecutor,
		RoleCoder:    NewCoderExecutor,
		RoleReviewer: NewReviewerExecutor,
	} {
		if err := reg.Register(role, build(client)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
