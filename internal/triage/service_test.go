package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/issue"
	"github.com/linnemanlabs/sift/internal/issue/memstore"
)

// scriptedProvider returns canned completions in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (p *scriptedProvider) Complete(_ context.Context, _ *CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	if len(p.responses) == 0 {
		return "", fmt.Errorf("no scripted response left")
	}
	out := p.responses[0]
	p.responses = p.responses[1:]
	return out, nil
}

type recordedComment struct {
	repo   string
	number int
	id     int64
	body   string
}

// fakeTracker records comment traffic.
type fakeTracker struct {
	mu      sync.Mutex
	nextID  int64
	created []recordedComment
	updated []recordedComment
	deleted []int64
}

func (tr *fakeTracker) CreateComment(_ context.Context, repo string, number int, body string) (int64, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.nextID++
	tr.created = append(tr.created, recordedComment{repo: repo, number: number, id: tr.nextID, body: body})
	return tr.nextID, nil
}

func (tr *fakeTracker) UpdateComment(_ context.Context, repo string, id int64, body string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.updated = append(tr.updated, recordedComment{repo: repo, id: id, body: body})
	return nil
}

func (tr *fakeTracker) DeleteComment(_ context.Context, repo string, id int64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.deleted = append(tr.deleted, id)
	return nil
}

// fakeBroadcaster records the stage of every broadcast state.
type fakeBroadcaster struct {
	mu     sync.Mutex
	stages []issue.Stage
	errs   []string
}

func (b *fakeBroadcaster) StateUpdate(st *issue.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stages = append(b.stages, st.Stage)
}

func (b *fakeBroadcaster) PipelineError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, msg)
}

func (b *fakeBroadcaster) stageList() []issue.Stage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]issue.Stage(nil), b.stages...)
}

func testOptions() *Options {
	return &Options{
		StageTimeout:         time.Second,
		MaxAttempts:          2,
		RetryInitialInterval: time.Millisecond,
		RetrieveTopK:         3,
	}
}

func crashEvent() *IssueEvent {
	return &IssueEvent{
		IssueID:     "acme/widgets#42",
		IssueNumber: 42,
		Repo:        "acme/widgets",
		Title:       "App crashes on startup",
		Body:        "NullPointerException in boot sequence",
	}
}

// eventually polls until cond holds or the test times out. The pipeline
// goroutine broadcasts and posts comments shortly after persisting a stage,
// so assertions on those side effects need a grace window.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// waitForStage polls until the record reaches the stage or the test times out.
func waitForStage(t *testing.T, store issue.Store, id string, want issue.Stage) *issue.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, ok, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && st.Stage == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _, _ := store.Get(context.Background(), id)
	t.Fatalf("record never reached %s, currently %+v", want, st)
	return nil
}

func TestPipelineBugEndToEnd(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	provider := &scriptedProvider{responses: []string{"bug", "The boot sequence has a race; pin the init order."}}
	tracker := &fakeTracker{}
	bcast := &fakeBroadcaster{}
	svc := NewService(store, provider, nil, tracker, nil, bcast, nil, nil, testOptions())

	res, err := svc.Submit(context.Background(), crashEvent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Skipped {
		t.Fatal("first submit reported skipped")
	}

	st := waitForStage(t, store, res.ID, issue.StageAwaitingApproval)

	if st.Classification != issue.ClassBug {
		t.Errorf("classification = %s, want bug", st.Classification)
	}
	if st.Draft == "" {
		t.Error("draft is empty")
	}
	if st.ApprovalToken == "" {
		t.Error("approval token was not minted")
	}
	if st.ApprovalStatus != issue.ApprovalPending {
		t.Errorf("approval status = %s, want pending", st.ApprovalStatus)
	}
	if st.BotCommentID == 0 {
		t.Error("bot comment id not recorded")
	}

	// Stage broadcasts must follow the machine in order; bugs pass through
	// retrieval even with no retriever configured.
	want := []issue.Stage{
		issue.StageReceived, issue.StageClassifying, issue.StageClassified,
		issue.StageRetrievingContext, issue.StageGeneratingResponse, issue.StageAwaitingApproval,
	}
	eventually(t, func() bool { return len(bcast.stageList()) >= len(want) }, "stage broadcasts incomplete")
	got := bcast.stageList()
	if len(got) != len(want) {
		t.Fatalf("broadcast stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("broadcast stages = %v, want %v", got, want)
		}
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.created) != 1 {
		t.Fatalf("created comments = %d, want 1", len(tracker.created))
	}
	if !strings.Contains(tracker.created[0].body, "Draft response") {
		t.Errorf("draft comment body = %q", tracker.created[0].body)
	}
}

func TestPipelineFeatureSkipsRetrieval(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	provider := &scriptedProvider{responses: []string{"feature", "We could add that behind a flag."}}
	bcast := &fakeBroadcaster{}
	svc := NewService(store, provider, nil, nil, nil, bcast, nil, nil, testOptions())

	ev := crashEvent()
	ev.IssueID = "acme/widgets#50"
	ev.Title = "Add CSV export"
	res, err := svc.Submit(context.Background(), ev)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStage(t, store, res.ID, issue.StageAwaitingApproval)

	for _, s := range bcast.stageList() {
		if s == issue.StageRetrievingContext {
			t.Fatal("feature request entered retrieving_context")
		}
	}
}

func TestSubmitIdempotent(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	svc := NewService(store, nil, nil, nil, nil, nil, nil, nil, testOptions())

	first, err := svc.Submit(context.Background(), crashEvent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := svc.Submit(context.Background(), crashEvent())
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !second.Skipped {
		t.Fatal("redelivery was not deduplicated")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned id %q, want %q", second.ID, first.ID)
	}
}

func TestPipelineFallbackMode(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	svc := NewService(store, nil, nil, nil, nil, nil, nil, nil, testOptions())

	res, err := svc.Submit(context.Background(), crashEvent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitForStage(t, store, res.ID, issue.StageAwaitingApproval)
	if st.Classification != issue.ClassBug {
		t.Errorf("fallback classification = %s, want bug", st.Classification)
	}
	if st.Draft == "" {
		t.Error("fallback draft is empty")
	}
}

func TestPipelineProviderFailure(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	provider := &scriptedProvider{err: errors.New("upstream 529")}
	tracker := &fakeTracker{}
	bcast := &fakeBroadcaster{}
	svc := NewService(store, provider, nil, tracker, nil, bcast, nil, nil, testOptions())

	res, err := svc.Submit(context.Background(), crashEvent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitForStage(t, store, res.ID, issue.StageError)

	if st.ErrorReason == "" {
		t.Error("error reason not recorded")
	}
	if st.ApprovalStatus != issue.ApprovalPending {
		t.Errorf("approval status = %s, want pending on error", st.ApprovalStatus)
	}

	// Retries were exhausted before failing.
	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	if calls != 2 {
		t.Errorf("provider calls = %d, want 2 (attempt budget)", calls)
	}

	eventually(t, func() bool {
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		return len(tracker.created) == 1
	}, "failure notice never posted")

	bcast.mu.Lock()
	errCount := len(bcast.errs)
	bcast.mu.Unlock()
	if errCount != 1 {
		t.Errorf("pipeline error broadcasts = %d, want 1", errCount)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if !strings.Contains(tracker.created[0].body, "triage failed") {
		t.Errorf("failure notice body = %q", tracker.created[0].body)
	}
}

func seedAwaiting(t *testing.T, store issue.Store) *issue.State {
	t.Helper()
	st := &issue.State{
		ID:             "01SEED",
		IssueID:        "acme/widgets#7",
		IssueNumber:    7,
		Repo:           "acme/widgets",
		Title:          "Login broken",
		Classification: issue.ClassBug,
		Draft:          "Try clearing the session cache.",
		ApprovalStatus: issue.ApprovalPending,
		Stage:          issue.StageAwaitingApproval,
		ApprovalToken:  "01TOKEN",
		BotCommentID:   55,
		CreatedAt:      time.Now(),
	}
	if err := store.Put(context.Background(), st); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return st
}

func TestApprovePublishesOnce(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker := &fakeTracker{}
	svc := NewService(store, nil, nil, tracker, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	if err := svc.Approve(context.Background(), "01SEED", "01TOKEN"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	st, _, _ := store.Get(context.Background(), "01SEED")
	if st.Stage != issue.StageApproved || st.ApprovalStatus != issue.ApprovalApproved {
		t.Errorf("state = %s/%s, want approved/approved", st.Stage, st.ApprovalStatus)
	}

	tracker.mu.Lock()
	if len(tracker.updated) != 1 || tracker.updated[0].id != 55 {
		t.Fatalf("updates = %+v, want one update of comment 55", tracker.updated)
	}
	if !strings.Contains(tracker.updated[0].body, "Approved by maintainer") {
		t.Errorf("published body = %q", tracker.updated[0].body)
	}
	tracker.mu.Unlock()

	// A second decision on the same draft must lose.
	err := svc.Approve(context.Background(), "01SEED", "01TOKEN")
	if !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("second Approve = %v, want ErrAlreadyFinal", err)
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.updated) != 1 {
		t.Errorf("write-back happened twice")
	}
}

func TestApproveBadToken(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	svc := NewService(store, nil, nil, nil, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	if err := svc.Approve(context.Background(), "01SEED", "wrong"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("Approve = %v, want ErrBadToken", err)
	}
	st, _, _ := store.Get(context.Background(), "01SEED")
	if st.Stage != issue.StageAwaitingApproval {
		t.Errorf("bad token moved the stage to %s", st.Stage)
	}
}

func TestApproveUnknownID(t *testing.T) {
	t.Parallel()

	svc := NewService(memstore.New(), nil, nil, nil, nil, nil, nil, nil, testOptions())
	if err := svc.Approve(context.Background(), "nope", "t"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Approve = %v, want ErrNotFound", err)
	}
}

func TestRejectBeforeDraftReady(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	svc := NewService(store, nil, nil, nil, nil, nil, nil, nil, testOptions())

	st := seedAwaiting(t, store)
	st.Stage = issue.StageClassifying
	if err := store.Put(context.Background(), st); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := svc.Reject(context.Background(), "01SEED", "nope"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Reject = %v, want ErrNotReady", err)
	}
}

func TestRejectLeavesCommentAlone(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker := &fakeTracker{}
	svc := NewService(store, nil, nil, tracker, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	if err := svc.Reject(context.Background(), "01SEED", "off topic"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	st, _, _ := store.Get(context.Background(), "01SEED")
	if st.Stage != issue.StageRejected || st.RejectReason != "off topic" {
		t.Errorf("state = %s, reason %q", st.Stage, st.RejectReason)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.updated) != 0 || len(tracker.deleted) != 0 || len(tracker.created) != 0 {
		t.Error("dashboard reject must not touch the tracker")
	}
}

func TestEditApprovePublishesEditedText(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker := &fakeTracker{}
	svc := NewService(store, nil, nil, tracker, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	if err := svc.EditApprove(context.Background(), "01SEED", "Actually, restart the daemon.", "01TOKEN"); err != nil {
		t.Fatalf("EditApprove: %v", err)
	}

	st, _, _ := store.Get(context.Background(), "01SEED")
	if st.HumanEdits != "Actually, restart the daemon." {
		t.Errorf("human edits = %q", st.HumanEdits)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.updated) != 1 {
		t.Fatalf("updates = %+v", tracker.updated)
	}
	body := tracker.updated[0].body
	if !strings.HasPrefix(body, "Actually, restart the daemon.") || !strings.Contains(body, "Revised and approved") {
		t.Errorf("published body = %q", body)
	}
}

func TestHandleCommandApprove(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker := &fakeTracker{}
	svc := NewService(store, nil, nil, tracker, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	cmd := &Command{Action: ActionApprove, Author: "maintainer"}
	if err := svc.HandleCommand(context.Background(), "acme/widgets#7", cmd); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}

	st, _, _ := store.GetByIssueID(context.Background(), "acme/widgets#7")
	if st.Stage != issue.StageApproved {
		t.Errorf("stage = %s, want approved", st.Stage)
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.updated) != 1 || !strings.Contains(tracker.updated[0].body, "Approved by maintainer") {
		t.Errorf("updates = %+v", tracker.updated)
	}
}

func TestHandleCommandRevise(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker := &fakeTracker{}
	svc := NewService(store, nil, nil, tracker, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	cmd := &Command{Action: ActionRevise, Text: "Use the config override instead.", Author: "maintainer"}
	if err := svc.HandleCommand(context.Background(), "acme/widgets#7", cmd); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}

	st, _, _ := store.GetByIssueID(context.Background(), "acme/widgets#7")
	if st.HumanEdits != "Use the config override instead." {
		t.Errorf("human edits = %q", st.HumanEdits)
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.updated) != 1 || !strings.HasPrefix(tracker.updated[0].body, "Use the config override instead.") {
		t.Errorf("updates = %+v", tracker.updated)
	}
}

func TestHandleCommandRejectDeletesDraft(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker := &fakeTracker{}
	svc := NewService(store, nil, nil, tracker, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	cmd := &Command{Action: ActionReject, Author: "maintainer"}
	if err := svc.HandleCommand(context.Background(), "acme/widgets#7", cmd); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}

	st, _, _ := store.GetByIssueID(context.Background(), "acme/widgets#7")
	if st.Stage != issue.StageRejected {
		t.Errorf("stage = %s, want rejected", st.Stage)
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.deleted) != 1 || tracker.deleted[0] != 55 {
		t.Errorf("deleted = %v, want comment 55", tracker.deleted)
	}
}

func TestSurfaceRaceSingleWriteBack(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker := &fakeTracker{}
	svc := NewService(store, nil, nil, tracker, nil, nil, nil, nil, testOptions())
	seedAwaiting(t, store)

	// Dashboard approval wins, then the comment command arrives late.
	if err := svc.Approve(context.Background(), "01SEED", "01TOKEN"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	err := svc.HandleCommand(context.Background(), "acme/widgets#7", &Command{Action: ActionReject})
	if !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("late command = %v, want ErrAlreadyFinal", err)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.updated) != 1 {
		t.Errorf("write-backs = %d, want exactly 1", len(tracker.updated))
	}
	if len(tracker.deleted) != 0 {
		t.Error("losing reject still deleted the comment")
	}
	// The late commenter gets told on the thread.
	if len(tracker.created) != 1 || !strings.Contains(tracker.created[0].body, "already been decided") {
		t.Errorf("conflict reply = %+v", tracker.created)
	}
}
