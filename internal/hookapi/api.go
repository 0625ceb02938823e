// Package hookapi is the webhook ingress: it turns GitHub issue and
// issue-comment deliveries into triage submissions and comment commands.
// Signature verification happens in middleware before these handlers run.
package hookapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/triage"
)

// TriageService defines the business operations hookapi needs.
type TriageService interface {
	Submit(ctx context.Context, ev *triage.IssueEvent) (*triage.SubmitResult, error)
	HandleCommand(ctx context.Context, issueID string, cmd *triage.Command) error
}

// API holds dependencies for webhook handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new webhook API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches the webhook endpoint to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/github", a.handleDelivery)
}

// payload is the subset of GitHub's webhook body the service reads. The
// same shape covers both issues and issue_comment events.
type payload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	Comment *struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (a *API) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event := r.Header.Get("X-GitHub-Event")

	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	switch {
	case event == "issues" && p.Action == "opened":
		a.handleIssueOpened(w, r, &p)

	case event == "issue_comment" && p.Action == "created":
		a.handleCommentCreated(w, r, &p)

	default:
		// Deliveries we don't act on still get a 200 so GitHub does not
		// retry them.
		a.logger.Info(ctx, "webhook delivery ignored", "event", event, "action", p.Action)
		respond(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (a *API) handleIssueOpened(w http.ResponseWriter, r *http.Request, p *payload) {
	ctx := r.Context()

	// A delivery without an issue or repository cannot be keyed; treat it
	// as malformed rather than minting a junk record.
	if p.Repository.FullName == "" || p.Issue.Number == 0 {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	res, err := a.svc.Submit(ctx, &triage.IssueEvent{
		IssueID:     issueKey(p.Repository.FullName, p.Issue.Number),
		IssueNumber: p.Issue.Number,
		Repo:        p.Repository.FullName,
		Title:       p.Issue.Title,
		Body:        p.Issue.Body,
	})
	if err != nil {
		a.logger.Error(ctx, err, "issue submission failed",
			"repo", p.Repository.FullName, "issue_number", p.Issue.Number)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if res.Skipped {
		respond(w, http.StatusOK, map[string]string{"status": "duplicate", "id": res.ID})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "accepted", "id": res.ID})
}

func (a *API) handleCommentCreated(w http.ResponseWriter, r *http.Request, p *payload) {
	ctx := r.Context()

	// Never react to our own (or any bot's) comments, or the draft post
	// would feed back into command handling.
	if p.Comment == nil || p.Comment.User.Type == "Bot" {
		respond(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	cmd, err := triage.ParseCommand(p.Comment.Body)
	if err != nil {
		a.logger.Warn(ctx, "malformed comment command",
			"repo", p.Repository.FullName, "issue_number", p.Issue.Number,
			"author", p.Comment.User.Login, "error", err)
		respond(w, http.StatusOK, map[string]string{"status": "invalid_command"})
		return
	}
	if cmd == nil {
		respond(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	cmd.Author = p.Comment.User.Login

	// Command handling writes back to the tracker with retries, so it runs
	// detached; GitHub only needs the acknowledgment.
	issueID := issueKey(p.Repository.FullName, p.Issue.Number)
	go func(ctx context.Context) {
		if err := a.svc.HandleCommand(ctx, issueID, cmd); err != nil {
			a.logger.Warn(ctx, "comment command not applied",
				"issue_id", issueID, "action", cmd.Action, "error", err)
		}
	}(context.WithoutCancel(ctx))

	respond(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// issueKey is the stable cross-surface identity of an issue.
func issueKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
