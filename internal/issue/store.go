// Package issue defines the per-issue triage state, the pipeline stage
// machine, and the Store interface that persists it.
package issue

import "context"

// Store is the persistence interface for issue triage state. It is the sole
// mutable shared resource of the service: the pipeline, the draft API, and
// the comment-command handlers all read and write through it concurrently.
type Store interface {
	// Get retrieves a state record by its record ID.
	Get(ctx context.Context, id string) (*State, bool, error)

	// GetByIssueID retrieves a state record by the tracker's issue ID.
	GetByIssueID(ctx context.Context, issueID string) (*State, bool, error)

	// Create inserts a new record keyed by IssueID. Delivery is
	// at-least-once, so Create is idempotent: if a record with the same
	// IssueID already exists it is returned unchanged with created=false.
	Create(ctx context.Context, st *State) (existing *State, created bool, err error)

	// Put upserts a state record by record ID.
	Put(ctx context.Context, st *State) error

	// List returns all state records, newest first.
	List(ctx context.Context) ([]*State, error)

	// ListPending returns records awaiting human approval, newest first.
	ListPending(ctx context.Context) ([]*State, error)

	// FinishApproval atomically swaps ApprovalStatus from pending to the
	// given terminal value. It reports whether this caller won the swap;
	// a lost swap means another surface already finalized the draft.
	FinishApproval(ctx context.Context, id string, to ApprovalStatus) (bool, error)
}
