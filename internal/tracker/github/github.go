// Package github is a small REST client for the GitHub issue-comment API,
// shaped to the triage.Tracker interface.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// Client talks to the GitHub REST API as the bot account.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL, mainly for tests and GitHub
// Enterprise installs.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a GitHub client authenticating with the given token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type commentPayload struct {
	Body string `json:"body"`
}

type commentResponse struct {
	ID int64 `json:"id"`
}

// CreateComment posts a comment on an issue and returns its comment ID.
// repo is the "owner/name" form.
func (c *Client) CreateComment(ctx context.Context, repo string, issueNumber int, body string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repo, issueNumber)
	respBody, err := c.do(ctx, http.MethodPost, url, &commentPayload{Body: body}, http.StatusCreated)
	if err != nil {
		return 0, err
	}

	var out commentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("unmarshal comment: %w", err)
	}
	return out.ID, nil
}

// UpdateComment replaces the body of an existing comment.
func (c *Client) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	url := fmt.Sprintf("%s/repos/%s/issues/comments/%d", c.baseURL, repo, commentID)
	_, err := c.do(ctx, http.MethodPatch, url, &commentPayload{Body: body}, http.StatusOK)
	return err
}

// DeleteComment removes a comment.
func (c *Client) DeleteComment(ctx context.Context, repo string, commentID int64) error {
	url := fmt.Sprintf("%s/repos/%s/issues/comments/%d", c.baseURL, repo, commentID)
	_, err := c.do(ctx, http.MethodDelete, url, nil, http.StatusNoContent)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, payload any, wantStatus int) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("github api %s %s: status %d: %s", method, url, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
