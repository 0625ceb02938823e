package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/issue"
)

// IssueEvent is the normalized "issue opened" event handed in by ingress.
type IssueEvent struct {
	IssueID     string
	IssueNumber int
	Repo        string
	Title       string
	Body        string
}

// SubmitResult is the outcome of submitting an issue for triage.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Options tune the pipeline's external-call discipline.
type Options struct {
	// StageTimeout bounds each individual external call.
	StageTimeout time.Duration

	// MaxAttempts is the per-call retry budget (attempts, not retries).
	MaxAttempts uint64

	// RetryInitialInterval seeds the exponential backoff between attempts.
	RetryInitialInterval time.Duration

	// RetrieveTopK is how many context chunks to request.
	RetrieveTopK int
}

func (o *Options) withDefaults() Options {
	out := Options{
		StageTimeout:         60 * time.Second,
		MaxAttempts:          3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetrieveTopK:         10,
	}
	if o == nil {
		return out
	}
	if o.StageTimeout > 0 {
		out.StageTimeout = o.StageTimeout
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.RetryInitialInterval > 0 {
		out.RetryInitialInterval = o.RetryInitialInterval
	}
	if o.RetrieveTopK > 0 {
		out.RetrieveTopK = o.RetrieveTopK
	}
	return out
}

// Service is the business boundary for issue triage: it owns intake dedup,
// the per-issue pipeline, and both approval surfaces.
type Service struct {
	store     issue.Store
	provider  Provider // nil = fallback mode
	retriever Retriever
	tracker   Tracker
	notifier  Notifier
	bcast     Broadcaster
	metrics   *Metrics
	logger    log.Logger
	opts      Options
}

// NewService creates a new triage service. provider, retriever, tracker,
// notifier, bcast, and metrics may each be nil; the corresponding concern
// is then skipped (provider nil switches on fallback mode).
func NewService(store issue.Store, provider Provider, retriever Retriever, tracker Tracker,
	notifier Notifier, bcast Broadcaster, metrics *Metrics, logger log.Logger, opts *Options) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:     store,
		provider:  provider,
		retriever: retriever,
		tracker:   tracker,
		notifier:  notifier,
		bcast:     bcast,
		metrics:   metrics,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// Submit accepts an issue for triage. Webhook delivery is at-least-once, so
// Submit is idempotent on IssueID: redelivery of the same "opened" event
// reports a duplicate and leaves the existing record untouched.
func (s *Service) Submit(ctx context.Context, ev *IssueEvent) (*SubmitResult, error) {
	if ev.IssueID == "" {
		s.metrics.incSubmit("invalid")
		return nil, fmt.Errorf("submit: missing issue id")
	}

	now := time.Now()
	st := &issue.State{
		ID:             ulid.Make().String(),
		IssueID:        ev.IssueID,
		IssueNumber:    ev.IssueNumber,
		Repo:           ev.Repo,
		Title:          ev.Title,
		Body:           ev.Body,
		ApprovalStatus: issue.ApprovalPending,
		Stage:          issue.StageReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	existing, created, err := s.store.Create(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if !created {
		s.metrics.incSubmit("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	}
	s.metrics.incSubmit("accepted")
	s.broadcast(st)

	// Kick off the async pipeline. Pass only the ID so the goroutine reads
	// its own copy; WithoutCancel detaches it from the request lifetime.
	go s.run(context.WithoutCancel(ctx), st.ID)

	return &SubmitResult{ID: st.ID}, nil
}

// Get retrieves a state record by record ID.
func (s *Service) Get(ctx context.Context, id string) (*issue.State, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns all state records, newest first.
func (s *Service) List(ctx context.Context) ([]*issue.State, error) {
	return s.store.List(ctx)
}

// ListPending returns records awaiting human approval, newest first.
func (s *Service) ListPending(ctx context.Context) ([]*issue.State, error) {
	return s.store.ListPending(ctx)
}

// run drives one issue through the pipeline. Stages within an issue are
// strictly sequential; distinct issues run concurrently. The goroutine ends
// at awaiting_approval; a separate handler resumes the record later.
func (s *Service) run(ctx context.Context, id string) {
	L := s.logger.With("state_id", id)
	start := time.Now()

	st, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to load state for pipeline")
		return
	}
	if st.Stage != issue.StageReceived {
		// Redelivered work for an already-running or finished record.
		L.Info(ctx, "pipeline already progressed, skipping", "stage", st.Stage)
		return
	}
	L = L.With("issue_id", st.IssueID, "repo", st.Repo, "issue_number", st.IssueNumber)

	// Stage 1: classify.
	if err := s.setStage(ctx, st, issue.StageClassifying); err != nil {
		L.Error(ctx, err, "enter classifying")
		return
	}
	class, err := s.classify(ctx, st)
	if err != nil {
		s.fail(ctx, L, st, start, fmt.Sprintf("classification failed: %v", err))
		return
	}
	st.Classification = class
	if err := s.setStage(ctx, st, issue.StageClassified); err != nil {
		L.Error(ctx, err, "enter classified")
		return
	}
	L.Info(ctx, "issue classified", "classification", class)

	// Stage 2: retrieve context. Feature requests skip this edge.
	if class.NeedsRetrieval() {
		if err := s.setStage(ctx, st, issue.StageRetrievingContext); err != nil {
			L.Error(ctx, err, "enter retrieving_context")
			return
		}
		chunks, err := s.retrieve(ctx, st)
		if err != nil {
			s.fail(ctx, L, st, start, fmt.Sprintf("context retrieval failed: %v", err))
			return
		}
		st.Context = chunks
		L.Info(ctx, "context retrieved", "chunks", len(chunks))
	}

	// Stage 3: generate draft.
	if err := s.setStage(ctx, st, issue.StageGeneratingResponse); err != nil {
		L.Error(ctx, err, "enter generating_response")
		return
	}
	draft, err := s.generate(ctx, st)
	if err != nil {
		s.fail(ctx, L, st, start, fmt.Sprintf("draft generation failed: %v", err))
		return
	}
	st.Draft = draft

	// The approval token is minted server-side the moment the draft exists
	// and is only ever handed out via the draft-fetch endpoint.
	st.ApprovalToken = ulid.Make().String()

	// Anchor the comment-command surface: post the draft to the tracker.
	if s.tracker != nil {
		var commentID int64
		err := s.withRetry(ctx, "post draft comment", func(cctx context.Context) error {
			var err error
			commentID, err = s.tracker.CreateComment(cctx, st.Repo, st.IssueNumber,
				formatDraftComment(st.Draft, st.Classification))
			return err
		})
		if err != nil {
			s.fail(ctx, L, st, start, fmt.Sprintf("posting draft comment failed: %v", err))
			return
		}
		st.BotCommentID = commentID
	}

	if err := s.setStage(ctx, st, issue.StageAwaitingApproval); err != nil {
		L.Error(ctx, err, "enter awaiting_approval")
		return
	}
	s.metrics.observePipeline("awaiting_approval", time.Since(start).Seconds())
	L.Info(ctx, "draft ready for review",
		"classification", st.Classification,
		"context_chunks", len(st.Context),
		"bot_comment_id", st.BotCommentID,
		"duration", time.Since(start).Seconds(),
	)

	if s.notifier != nil {
		if err := s.notifier.ReviewRequested(ctx, st); err != nil {
			L.Warn(ctx, "review notification failed", "error", err)
		}
	}
}

func (s *Service) classify(ctx context.Context, st *issue.State) (issue.Classification, error) {
	if s.provider == nil {
		return fallbackClassify(st.Title, st.Body), nil
	}

	var answer string
	err := s.withRetry(ctx, "classify", func(cctx context.Context) error {
		callStart := time.Now()
		var err error
		answer, err = s.provider.Complete(cctx, &CompletionRequest{
			System:    buildClassifySystem(),
			Prompt:    buildClassifyPrompt(st.Title, st.Body),
			MaxTokens: classifyMaxTokens,
		})
		s.metrics.observeProviderCall("classify", time.Since(callStart).Seconds(), err)
		return err
	})
	if err != nil {
		return "", err
	}
	return parseClassification(answer), nil
}

func (s *Service) retrieve(ctx context.Context, st *issue.State) ([]string, error) {
	if s.retriever == nil {
		return nil, nil
	}

	query := st.Title + "\n\n" + st.Body
	var chunks []string
	err := s.withRetry(ctx, "retrieve", func(cctx context.Context) error {
		var err error
		chunks, err = s.retriever.Search(cctx, query, s.opts.RetrieveTopK)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *Service) generate(ctx context.Context, st *issue.State) (string, error) {
	if s.provider == nil {
		return fallbackDraft(st), nil
	}

	var draft string
	err := s.withRetry(ctx, "generate", func(cctx context.Context) error {
		callStart := time.Now()
		var err error
		draft, err = s.provider.Complete(cctx, &CompletionRequest{
			System:    buildGenerateSystem(),
			Prompt:    buildGeneratePrompt(st),
			MaxTokens: generateMaxTokens,
		})
		s.metrics.observeProviderCall("generate", time.Since(callStart).Seconds(), err)
		if err != nil {
			return err
		}
		if draft == "" {
			return fmt.Errorf("provider returned empty draft")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return draft, nil
}

// setStage validates the transition against the state machine, persists,
// and broadcasts. An illegal edge is a programming error and aborts the
// pipeline rather than corrupting the record.
func (s *Service) setStage(ctx context.Context, st *issue.State, to issue.Stage) error {
	if !issue.CanTransition(st.Stage, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", st.Stage, to)
	}
	st.Stage = to
	st.UpdatedAt = time.Now()
	if err := s.store.Put(ctx, st); err != nil {
		return fmt.Errorf("persist stage %s: %w", to, err)
	}
	s.metrics.incStage(string(to))
	s.broadcast(st)
	return nil
}

// fail moves the record to the terminal error stage, preserving the reason,
// and surfaces the failure to the dashboard and the tracker thread.
func (s *Service) fail(ctx context.Context, L log.Logger, st *issue.State, start time.Time, reason string) {
	L.Error(ctx, fmt.Errorf("%s", reason), "pipeline failed", "stage", st.Stage)

	st.ErrorReason = reason
	if err := s.setStage(ctx, st, issue.StageError); err != nil {
		L.Error(ctx, err, "persist error stage")
	}
	s.metrics.observePipeline("error", time.Since(start).Seconds())

	if s.bcast != nil {
		s.bcast.PipelineError(fmt.Sprintf("issue %s: %s", st.IssueID, reason))
	}
	if s.tracker != nil && st.BotCommentID == 0 {
		notice := formatFailureNotice("Automated triage failed for this issue; a maintainer will follow up.")
		if _, err := s.tracker.CreateComment(ctx, st.Repo, st.IssueNumber, notice); err != nil {
			L.Warn(ctx, "failure notice not posted", "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.PipelineFailed(ctx, st); err != nil {
			L.Warn(ctx, "failure notification failed", "error", err)
		}
	}
}

func (s *Service) broadcast(st *issue.State) {
	if s.bcast != nil {
		s.bcast.StateUpdate(st.Clone())
	}
}

// withRetry runs fn under the per-call timeout, retrying with exponential
// backoff until the attempt budget is spent.
func (s *Service) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, s.opts.StageTimeout)
		defer cancel()
		return fn(cctx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.RetryInitialInterval
	bo.MaxElapsedTime = 0 // the attempt budget bounds us, not wall time

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, s.opts.MaxAttempts-1), ctx))
	if err != nil {
		return fmt.Errorf("%s (after %d attempts): %w", op, s.opts.MaxAttempts, err)
	}
	return nil
}
