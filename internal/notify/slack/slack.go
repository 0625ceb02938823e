// Package slack notifies the review team via Slack incoming webhooks when
// a draft needs review or a pipeline fails.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/sift/internal/issue"
)

const (
	maxDraftLen = 3000
	httpTimeout = 10 * time.Second
)

// Notifier posts triage events to a Slack webhook. If webhookURL is empty
// every call is a no-op, so the service runs fine without Slack.
type Notifier struct {
	webhookURL   string
	dashboardURL string
	client       *http.Client
}

// New creates a new Slack notifier. dashboardURL, when set, is used to link
// straight to the draft review page.
func New(webhookURL, dashboardURL string) *Notifier {
	return &Notifier{
		webhookURL:   webhookURL,
		dashboardURL: dashboardURL,
		client:       &http.Client{Timeout: httpTimeout},
	}
}

// ReviewRequested announces a draft waiting for human approval.
func (n *Notifier) ReviewRequested(ctx context.Context, st *issue.State) error {
	return n.send(ctx, map[string]any{
		"blocks": []map[string]any{
			headerBlock("\U0001f4dd Draft ready for review", st),
			{"type": "divider"},
			fieldsBlock(st),
			draftBlock(st.Draft),
			n.linkBlock(st),
		},
	})
}

// PipelineFailed announces that an issue could not be triaged.
func (n *Notifier) PipelineFailed(ctx context.Context, st *issue.State) error {
	return n.send(ctx, map[string]any{
		"blocks": []map[string]any{
			headerBlock("\U0001f534 Triage failed", st),
			{"type": "divider"},
			fieldsBlock(st),
			textBlock(fmt.Sprintf("*Error*\n\n%s", st.ErrorReason)),
			n.linkBlock(st),
		},
	})
}

func (n *Notifier) send(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func headerBlock(title string, st *issue.State) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s: %s", title, truncate(st.Title, 120)),
		},
	}
}

func fieldsBlock(st *issue.State) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Issue:* %s", st.IssueID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Classification:* %s", st.Classification)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Stage:* %s", st.Stage)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Context chunks:* %d", len(st.Context))},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func draftBlock(draft string) map[string]any {
	text := truncate(draft, maxDraftLen)
	if text == "" {
		text = "_No draft available._"
	}
	return textBlock(fmt.Sprintf("*Draft*\n\n%s", text))
}

func (n *Notifier) linkBlock(st *issue.State) map[string]any {
	text := fmt.Sprintf("sift • %s • %s", st.ID, time.Now().UTC().Format("2006-01-02 15:04 UTC"))
	if n.dashboardURL != "" {
		text = fmt.Sprintf("<%s/drafts/%s|Review on dashboard> • %s", n.dashboardURL, st.ID, text)
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func textBlock(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
