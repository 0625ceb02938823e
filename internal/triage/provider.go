package triage

import (
	"context"

	"github.com/linnemanlabs/sift/internal/issue"
)

// Provider is the LLM completion boundary. Implementations must be safe for
// concurrent use.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

// CompletionRequest is a single text completion call.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Retriever searches the indexed knowledge base for chunks relevant to a
// query. Implementations return at most k chunks, best match first.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]string, error)
}

// Tracker is the issue-tracker comment surface the service writes through.
type Tracker interface {
	CreateComment(ctx context.Context, repo string, issueNumber int, body string) (int64, error)
	UpdateComment(ctx context.Context, repo string, commentID int64, body string) error
	DeleteComment(ctx context.Context, repo string, commentID int64) error
}

// Notifier delivers out-of-band notifications to the review team. Both
// calls are best effort; failures are logged, never fatal.
type Notifier interface {
	ReviewRequested(ctx context.Context, st *issue.State) error
	PipelineFailed(ctx context.Context, st *issue.State) error
}

// Broadcaster pushes live updates to connected dashboard clients.
type Broadcaster interface {
	StateUpdate(st *issue.State)
	PipelineError(message string)
}
