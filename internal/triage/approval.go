package triage

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/sift/internal/issue"
)

// Two surfaces can decide a draft: the dashboard API (token-gated) and
// slash commands on the tracker thread (authorized by the tracker itself).
// Both funnel through the store's compare-and-swap on approval_status, so
// exactly one decision wins and exactly one write-back happens no matter
// how the surfaces race.

// Approve publishes the draft as-is. The token must be the one minted when
// the draft was generated.
func (s *Service) Approve(ctx context.Context, id, token string) error {
	st, err := s.loadForDecision(ctx, id)
	if err != nil {
		s.metrics.incApproval("dashboard", "approve", outcomeOf(err))
		return err
	}
	if err := checkToken(st, token); err != nil {
		s.metrics.incApproval("dashboard", "approve", "denied")
		return err
	}

	if err := s.finalize(ctx, st, issue.ApprovalApproved, issue.StageApproved); err != nil {
		s.metrics.incApproval("dashboard", "approve", outcomeOf(err))
		return err
	}
	s.publishDecision(ctx, st, formatApprovedComment(st.Draft))
	s.metrics.incApproval("dashboard", "approve", "ok")
	s.logger.Info(ctx, "draft approved", "state_id", st.ID, "issue_id", st.IssueID, "surface", "dashboard")
	return nil
}

// EditApprove publishes the reviewer's edited text instead of the draft.
func (s *Service) EditApprove(ctx context.Context, id, edited, token string) error {
	if edited == "" {
		return fmt.Errorf("%w: edited text is empty", ErrBadCommand)
	}
	st, err := s.loadForDecision(ctx, id)
	if err != nil {
		s.metrics.incApproval("dashboard", "edit", outcomeOf(err))
		return err
	}
	if err := checkToken(st, token); err != nil {
		s.metrics.incApproval("dashboard", "edit", "denied")
		return err
	}

	st.HumanEdits = edited
	if err := s.finalize(ctx, st, issue.ApprovalApproved, issue.StageApproved); err != nil {
		s.metrics.incApproval("dashboard", "edit", outcomeOf(err))
		return err
	}
	s.publishDecision(ctx, st, formatRevisedComment(edited))
	s.metrics.incApproval("dashboard", "edit", "ok")
	s.logger.Info(ctx, "draft approved with edits", "state_id", st.ID, "issue_id", st.IssueID, "surface", "dashboard")
	return nil
}

// Reject discards the draft. Nothing is posted to the tracker; the original
// draft comment stays up marked unapproved. Rejection publishes nothing, so
// it needs no approval token, only the dashboard's own auth.
func (s *Service) Reject(ctx context.Context, id, reason string) error {
	st, err := s.loadForDecision(ctx, id)
	if err != nil {
		s.metrics.incApproval("dashboard", "reject", outcomeOf(err))
		return err
	}

	st.RejectReason = reason
	if err := s.finalize(ctx, st, issue.ApprovalRejected, issue.StageRejected); err != nil {
		s.metrics.incApproval("dashboard", "reject", outcomeOf(err))
		return err
	}
	s.metrics.incApproval("dashboard", "reject", "ok")
	s.logger.Info(ctx, "draft rejected", "state_id", st.ID, "issue_id", st.IssueID, "surface", "dashboard")
	return nil
}

// HandleCommand applies a parsed slash command from the tracker thread.
// The commenter cannot see our HTTP responses, so conflicts are answered
// with a short comment on the issue instead of just an error.
func (s *Service) HandleCommand(ctx context.Context, issueID string, cmd *Command) error {
	st, ok, err := s.store.GetByIssueID(ctx, issueID)
	if err != nil {
		return fmt.Errorf("load state for issue %s: %w", issueID, err)
	}
	if !ok {
		return fmt.Errorf("%w: issue %s", ErrNotFound, issueID)
	}

	action := string(cmd.Action)
	if err := decisionGuard(st); err != nil {
		s.metrics.incApproval("comment", action, outcomeOf(err))
		s.replyConflict(ctx, st, err)
		return err
	}

	switch cmd.Action {
	case ActionApprove:
		if err := s.finalize(ctx, st, issue.ApprovalApproved, issue.StageApproved); err != nil {
			s.metrics.incApproval("comment", action, outcomeOf(err))
			s.replyConflict(ctx, st, err)
			return err
		}
		s.publishDecision(ctx, st, formatApprovedComment(st.Draft))

	case ActionRevise:
		st.HumanEdits = cmd.Text
		if err := s.finalize(ctx, st, issue.ApprovalApproved, issue.StageApproved); err != nil {
			s.metrics.incApproval("comment", action, outcomeOf(err))
			s.replyConflict(ctx, st, err)
			return err
		}
		s.publishDecision(ctx, st, formatRevisedComment(cmd.Text))

	case ActionReject:
		if err := s.finalize(ctx, st, issue.ApprovalRejected, issue.StageRejected); err != nil {
			s.metrics.incApproval("comment", action, outcomeOf(err))
			s.replyConflict(ctx, st, err)
			return err
		}
		// The unapproved draft comes down so it cannot be mistaken for a
		// published answer.
		if s.tracker != nil && st.BotCommentID != 0 {
			if err := s.tracker.DeleteComment(ctx, st.Repo, st.BotCommentID); err != nil {
				s.logger.Warn(ctx, "draft comment not deleted", "error", err, "comment_id", st.BotCommentID)
			}
		}

	default:
		return fmt.Errorf("%w: unknown action %q", ErrBadCommand, cmd.Action)
	}

	s.metrics.incApproval("comment", action, "ok")
	s.logger.Info(ctx, "command applied",
		"state_id", st.ID, "issue_id", st.IssueID, "surface", "comment",
		"action", action, "author", cmd.Author)
	return nil
}

// loadForDecision fetches the record and applies the stage guards shared by
// every dashboard action.
func (s *Service) loadForDecision(ctx context.Context, id string) (*issue.State, error) {
	st, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := decisionGuard(st); err != nil {
		return nil, err
	}
	return st, nil
}

// decisionGuard rejects decisions on records that are not sitting at
// awaiting_approval with a pending status.
func decisionGuard(st *issue.State) error {
	if st.ApprovalStatus != issue.ApprovalPending || st.Stage.Terminal() {
		return fmt.Errorf("%w: already %s", ErrAlreadyFinal, st.ApprovalStatus)
	}
	if st.Stage != issue.StageAwaitingApproval {
		return fmt.Errorf("%w: stage is %s", ErrNotReady, st.Stage)
	}
	return nil
}

func checkToken(st *issue.State, token string) error {
	if st.ApprovalToken == "" ||
		subtle.ConstantTimeCompare([]byte(st.ApprovalToken), []byte(token)) != 1 {
		return ErrBadToken
	}
	return nil
}

// finalize wins (or loses) the decision race via the store's CAS, then
// persists the full record and broadcasts the terminal stage. Only the CAS
// winner gets past the first step, so callers may safely write back to the
// tracker afterwards.
func (s *Service) finalize(ctx context.Context, st *issue.State, to issue.ApprovalStatus, stage issue.Stage) error {
	won, err := s.store.FinishApproval(ctx, st.ID, to)
	if err != nil {
		return fmt.Errorf("finish approval: %w", err)
	}
	if !won {
		return fmt.Errorf("%w: decision raced", ErrAlreadyFinal)
	}

	st.ApprovalStatus = to
	st.Stage = stage
	st.UpdatedAt = time.Now()
	if err := s.store.Put(ctx, st); err != nil {
		return fmt.Errorf("persist decision: %w", err)
	}
	s.metrics.incStage(string(stage))
	s.broadcast(st)
	return nil
}

// publishDecision pushes the approved text to the tracker, updating the
// bot's draft comment in place when we have one. The decision itself is
// already durable; a tracker outage here is logged, not unwound.
func (s *Service) publishDecision(ctx context.Context, st *issue.State, body string) {
	if s.tracker == nil {
		return
	}
	err := s.withRetry(ctx, "publish decision", func(cctx context.Context) error {
		if st.BotCommentID != 0 {
			return s.tracker.UpdateComment(cctx, st.Repo, st.BotCommentID, body)
		}
		id, err := s.tracker.CreateComment(cctx, st.Repo, st.IssueNumber, body)
		if err == nil {
			st.BotCommentID = id
		}
		return err
	})
	if err != nil {
		s.logger.Error(ctx, err, "approved response not published to tracker",
			"state_id", st.ID, "issue_id", st.IssueID)
	}
}

// replyConflict answers a losing or premature command on the issue thread.
func (s *Service) replyConflict(ctx context.Context, st *issue.State, cause error) {
	if s.tracker == nil {
		return
	}
	var msg string
	switch {
	case errors.Is(cause, ErrAlreadyFinal):
		msg = "This draft has already been decided; the command was ignored."
	case errors.Is(cause, ErrNotReady):
		msg = "There is no draft awaiting approval on this issue yet."
	default:
		return
	}
	if _, err := s.tracker.CreateComment(ctx, st.Repo, st.IssueNumber, formatFailureNotice(msg)); err != nil {
		s.logger.Warn(ctx, "conflict reply not posted", "error", err)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyFinal):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	default:
		return "error"
	}
}
