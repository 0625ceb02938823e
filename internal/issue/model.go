package issue

import "time"

// Stage tracks where an issue is in the triage pipeline.
type Stage string

const (
	// StageReceived means the webhook event was accepted, processing not yet started.
	StageReceived Stage = "received"

	// StageClassifying means the classification call is in flight.
	StageClassifying Stage = "classifying"

	// StageClassified means a classification was assigned.
	StageClassified Stage = "classified"

	// StageRetrievingContext means background context is being fetched.
	StageRetrievingContext Stage = "retrieving_context"

	// StageGeneratingResponse means the draft response is being generated.
	StageGeneratingResponse Stage = "generating_response"

	// StageAwaitingApproval means a draft exists and is waiting for a human.
	StageAwaitingApproval Stage = "awaiting_approval"

	// StageApproved means the draft was published. Terminal.
	StageApproved Stage = "approved"

	// StageRejected means the draft was discarded. Terminal.
	StageRejected Stage = "rejected"

	// StageError means an external call exhausted its retry budget. Terminal.
	StageError Stage = "error"
)

// Classification is the triage category assigned to an issue.
type Classification string

const (
	ClassBug      Classification = "bug"
	ClassFeature  Classification = "feature"
	ClassQuestion Classification = "question"
)

// ApprovalStatus is the human decision on a draft.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// State is the per-issue triage record. It is created on the first webhook
// event for an issue and mutated only by the pipeline (automated stages) and
// the approval surfaces (terminal stage).
type State struct {
	ID             string         `json:"id"`
	IssueID        string         `json:"issue_id"`
	IssueNumber    int            `json:"issue_number"`
	Repo           string         `json:"repository_full_name"`
	Title          string         `json:"issue_title"`
	Body           string         `json:"issue_body"`
	Classification Classification `json:"classification,omitempty"`
	Context        []string       `json:"retrieved_context,omitempty"`
	Draft          string         `json:"draft_response,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	Stage          Stage          `json:"processing_stage"`
	HumanEdits     string         `json:"human_edits,omitempty"`
	RejectReason   string         `json:"rejection_reason,omitempty"`
	ApprovalToken  string         `json:"-"`
	BotCommentID   int64          `json:"bot_comment_id,omitempty"`
	ErrorReason    string         `json:"error_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// transitions is the edge set of the pipeline state machine. Conditional
// branches (feature skips retrieval) are ordinary guarded edges. StageError
// is reachable from any non-terminal stage and handled in CanTransition.
var transitions = map[Stage][]Stage{
	StageReceived:           {StageClassifying},
	StageClassifying:        {StageClassified},
	StageClassified:         {StageRetrievingContext, StageGeneratingResponse},
	StageRetrievingContext:  {StageGeneratingResponse},
	StageGeneratingResponse: {StageAwaitingApproval},
	StageAwaitingApproval:   {StageApproved, StageRejected},
}

// CanTransition reports whether the pipeline may move from one stage to
// another. Terminal stages have no outgoing edges.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a stage ends automatic processing.
func (s Stage) Terminal() bool {
	return s == StageApproved || s == StageRejected || s == StageError
}

// ValidClassification reports whether c is one of the known categories.
func ValidClassification(c Classification) bool {
	return c == ClassBug || c == ClassFeature || c == ClassQuestion
}

// NeedsRetrieval reports whether a classification routes through context
// retrieval. Feature requests rarely need documentation lookup, so they go
// straight to generation.
func (c Classification) NeedsRetrieval() bool {
	return c == ClassBug || c == ClassQuestion
}

// Clone returns a deep copy of the state.
func (st *State) Clone() *State {
	cp := *st
	if st.Context != nil {
		cp.Context = make([]string, len(st.Context))
		copy(cp.Context, st.Context)
	}
	return &cp
}
