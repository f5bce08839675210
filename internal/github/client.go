// ABOUTME: HTTP implementation of the GitHub collaborator interface
// ABOUTME: Talks to the REST v3 issues endpoints with a bounded timeout

package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/entropy-playground/entropy-core/internal/store"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 30 * time.Second
)

// issue is the subset of the REST issue object we decode. GitHub returns
// pull requests from the issues endpoint too, flagged by a pull_request key.
type issue struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	HTMLURL     string `json:"html_url"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// HTTPClient implements Client against the GitHub REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	repository string // "owner/name"
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client for one repository. baseURL may be empty
// for api.github.com; repository is "owner/name".
func NewHTTPClient(baseURL, token, repository string, logger *slog.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		repository: repository,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("component", "github"),
	}
}

// ListOpenItems returns open issues and pull requests as work items. Issues
// map to read-issue tasks, pull requests to review-pr tasks.
func (c *HTTPClient) ListOpenItems(ctx context.Context) ([]WorkItem, error) {
	url := fmt.Sprintf("%s/repos/%s/issues?state=open&per_page=100", c.baseURL, c.repository)

	var issues []issue
	if err := c.do(ctx, http.MethodGet, url, nil, &issues); err != nil {
		return nil, fmt.Errorf("listing open items: %w", err)
	}

	items := make([]WorkItem, 0, len(issues))
	for _, is := range issues {
		kind := store.KindReadIssue
		if is.PullRequest != nil {
			kind = store.KindReviewPR
		}

		labels := make([]string, 0, len(is.Labels))
		for _, l := range is.Labels {
			labels = append(labels, l.Name)
		}

		payload, err := json.Marshal(map[string]any{
			"number": is.Number,
			"title":  is.Title,
			"body":   is.Body,
			"url":    is.HTMLURL,
			"labels": labels,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding payload for item %d: %w", is.Number, err)
		}

		items = append(items, WorkItem{
			ID:      strconv.Itoa(is.Number),
			Kind:    kind,
			Payload: payload,
		})
	}

	c.logger.Debug("listed open items", "repository", c.repository, "count", len(items))
	return items, nil
}

// PostResult posts the result as a comment on the issue or pull request.
func (c *HTTPClient) PostResult(ctx context.Context, itemID, result string) error {
	url := fmt.Sprintf("%s/repos/%s/issues/%s/comments", c.baseURL, c.repository, itemID)

	body, err := json.Marshal(map[string]string{"body": result})
	if err != nil {
		return fmt.Errorf("encoding comment: %w", err)
	}

	if err := c.do(ctx, http.MethodPost, url, body, nil); err != nil {
		return fmt.Errorf("posting result to item %s: %w", itemID, err)
	}

	c.logger.Debug("posted result", "repository", c.repository, "item_id", itemID)
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, url, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
