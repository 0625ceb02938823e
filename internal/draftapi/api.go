// Package draftapi is the dashboard-facing HTTP API: listing issue state,
// fetching drafts for review, and the token-gated approval actions.
package draftapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sift/internal/issue"
	"github.com/linnemanlabs/sift/internal/triage"
)

// TriageService defines the business operations draftapi needs.
type TriageService interface {
	Get(ctx context.Context, id string) (*issue.State, bool, error)
	List(ctx context.Context) ([]*issue.State, error)
	ListPending(ctx context.Context) ([]*issue.State, error)
	Approve(ctx context.Context, id, token string) error
	EditApprove(ctx context.Context, id, edited, token string) error
	Reject(ctx context.Context, id, reason string) error
}

// API holds dependencies for dashboard handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new dashboard API handler.
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

// RegisterRoutes attaches the dashboard endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/issues", a.handleListIssues)
		r.Get("/drafts/pending", a.handleListPending)
		r.Get("/drafts/{id}", a.handleGetDraft)
		r.Post("/drafts/{id}/approve", a.handleApprove)
		r.Post("/drafts/{id}/edit-approve", a.handleEditApprove)
		r.Post("/drafts/{id}/reject", a.handleReject)
	})
}

func (a *API) handleListIssues(w http.ResponseWriter, r *http.Request) {
	states, err := a.svc.List(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list issues")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	respond(w, http.StatusOK, map[string]any{"issues": states})
}

func (a *API) handleListPending(w http.ResponseWriter, r *http.Request) {
	states, err := a.svc.ListPending(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list pending drafts")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	respond(w, http.StatusOK, map[string]any{"drafts": states})
}

// draftView is the single-draft response. Fetching a draft for review is
// the only place the approval token leaves the server.
type draftView struct {
	*issue.State
	ApprovalToken string `json:"approval_token,omitempty"`
}

func (a *API) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.state.id", id))

	st, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get draft", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	view := draftView{State: st}
	if st.Stage == issue.StageAwaitingApproval {
		view.ApprovalToken = st.ApprovalToken
	}
	respond(w, http.StatusOK, view)
}

type actionRequest struct {
	Token  string `json:"token"`
	Text   string `json:"edited_content,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	a.handleAction(w, r, func(ctx context.Context, id string, req *actionRequest) error {
		return a.svc.Approve(ctx, id, req.Token)
	})
}

func (a *API) handleEditApprove(w http.ResponseWriter, r *http.Request) {
	a.handleAction(w, r, func(ctx context.Context, id string, req *actionRequest) error {
		return a.svc.EditApprove(ctx, id, req.Text, req.Token)
	})
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	a.handleAction(w, r, func(ctx context.Context, id string, req *actionRequest) error {
		return a.svc.Reject(ctx, id, req.Reason)
	})
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request,
	do func(context.Context, string, *actionRequest) error) {

	id := chi.URLParam(r, "id")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	if err := do(r.Context(), id, &req); err != nil {
		a.writeActionError(w, r, id, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

// writeActionError maps service errors onto HTTP statuses. Races between
// the two approval surfaces show up here as 409s.
func (a *API) writeActionError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, triage.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, triage.ErrBadToken):
		http.Error(w, `{"error":"invalid approval token"}`, http.StatusForbidden)
	case errors.Is(err, triage.ErrAlreadyFinal):
		http.Error(w, `{"error":"draft already decided"}`, http.StatusConflict)
	case errors.Is(err, triage.ErrNotReady):
		http.Error(w, `{"error":"draft not ready for approval"}`, http.StatusConflict)
	case errors.Is(err, triage.ErrBadCommand):
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
	default:
		a.logger.Error(r.Context(), err, "approval action failed", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
