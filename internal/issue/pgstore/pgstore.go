// Package pgstore provides a PostgreSQL implementation of issue.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/issue"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/issue/pgstore")

//go:embed schema.sql
var schema string

// Store persists issue triage state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const stateColumns = `id, issue_id, issue_number, repo, title, body, classification,
	context, draft, approval_status, stage, human_edits, reject_reason,
	approval_token, bot_comment_id, error_reason, created_at, updated_at`

// Get retrieves a state record by record ID.
func (s *Store) Get(ctx context.Context, id string) (*issue.State, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + stateColumns + ` FROM issue_states WHERE id = $1`
	st, err := scanState(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if st == nil {
		return nil, false, nil
	}
	return st, true, nil
}

// GetByIssueID retrieves a state record by the tracker's issue ID.
func (s *Store) GetByIssueID(ctx context.Context, issueID string) (*issue.State, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByIssueID", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + stateColumns + ` FROM issue_states WHERE issue_id = $1`
	st, err := scanState(s.pool.QueryRow(ctx, query, issueID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if st == nil {
		return nil, false, nil
	}
	return st, true, nil
}

// Create inserts the record unless one already exists for the same IssueID.
// The existing record wins on conflict, making webhook redelivery a no-op.
func (s *Store) Create(ctx context.Context, st *issue.State) (*issue.State, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tag, err := s.exec(ctx, insertQuery+` ON CONFLICT (issue_id) DO NOTHING`, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return st.Clone(), true, nil
	}

	existing, ok, err := s.GetByIssueID(ctx, st.IssueID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("create %s: conflict but no existing row", st.IssueID)
	}
	return existing, false, nil
}

// Put upserts a state record by record ID.
func (s *Store) Put(ctx context.Context, st *issue.State) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	query := insertQuery + `
	ON CONFLICT (id) DO UPDATE SET
		classification  = EXCLUDED.classification,
		context         = EXCLUDED.context,
		draft           = EXCLUDED.draft,
		approval_status = EXCLUDED.approval_status,
		stage           = EXCLUDED.stage,
		human_edits     = EXCLUDED.human_edits,
		reject_reason   = EXCLUDED.reject_reason,
		approval_token  = EXCLUDED.approval_token,
		bot_comment_id  = EXCLUDED.bot_comment_id,
		error_reason    = EXCLUDED.error_reason,
		updated_at      = EXCLUDED.updated_at`

	if _, err := s.exec(ctx, query, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// List returns all records, newest first.
func (s *Store) List(ctx context.Context) ([]*issue.State, error) {
	return s.list(ctx, `SELECT `+stateColumns+` FROM issue_states ORDER BY created_at DESC`)
}

// ListPending returns records awaiting approval, newest first.
func (s *Store) ListPending(ctx context.Context) ([]*issue.State, error) {
	return s.list(ctx, `SELECT `+stateColumns+` FROM issue_states
		WHERE stage = 'awaiting_approval' AND approval_status = 'pending'
		ORDER BY created_at DESC`)
}

// FinishApproval swaps ApprovalStatus from pending to the terminal value.
// The WHERE clause is the compare half of the compare-and-swap; the row
// count tells us whether this caller won.
func (s *Store) FinishApproval(ctx context.Context, id string, to issue.ApprovalStatus) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.FinishApproval", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE issue_states
		SET approval_status = $2, updated_at = now()
		WHERE id = $1 AND approval_status = 'pending'`, id, string(to))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("finish approval: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const insertQuery = `INSERT INTO issue_states (
	id, issue_id, issue_number, repo, title, body, classification,
	context, draft, approval_status, stage, human_edits, reject_reason,
	approval_token, bot_comment_id, error_reason, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

func (s *Store) exec(ctx context.Context, query string, st *issue.State) (pgconn.CommandTag, error) {
	contextJSON, err := json.Marshal(st.Context)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("marshal context: %w", err)
	}

	t, err := s.pool.Exec(ctx, query,
		st.ID, st.IssueID, st.IssueNumber, st.Repo, st.Title, st.Body,
		string(st.Classification), contextJSON, st.Draft, string(st.ApprovalStatus),
		string(st.Stage), st.HumanEdits, st.RejectReason, st.ApprovalToken,
		st.BotCommentID, st.ErrorReason, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("exec issue state: %w", err)
	}
	return t, nil
}

func (s *Store) list(ctx context.Context, query string) ([]*issue.State, error) {
	ctx, span := tracer.Start(ctx, "pgstore.list", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query issue states: %w", err)
	}
	defer rows.Close()

	var out []*issue.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scan issue states: %w", err)
	}
	return out, nil
}

func scanState(row pgx.Row) (*issue.State, error) {
	var st issue.State
	var classification, approvalStatus, stage string
	var contextJSON []byte

	err := row.Scan(
		&st.ID, &st.IssueID, &st.IssueNumber, &st.Repo, &st.Title, &st.Body,
		&classification, &contextJSON, &st.Draft, &approvalStatus, &stage,
		&st.HumanEdits, &st.RejectReason, &st.ApprovalToken, &st.BotCommentID,
		&st.ErrorReason, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan issue state: %w", err)
	}

	st.Classification = issue.Classification(classification)
	st.ApprovalStatus = issue.ApprovalStatus(approvalStatus)
	st.Stage = issue.Stage(stage)
	if err := json.Unmarshal(contextJSON, &st.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return &st, nil
}
