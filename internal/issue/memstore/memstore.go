// Package memstore provides an in-memory implementation of issue.Store.
// State does not survive restarts; production deployments should configure
// the PostgreSQL store instead.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/sift/internal/issue"
)

// Store holds issue state in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	states map[string]*issue.State // record ID -> state
	byID   map[string]string       // tracker issue ID -> record ID (dedup)
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		states: make(map[string]*issue.State),
		byID:   make(map[string]string),
	}
}

// Get retrieves a state record by its record ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*issue.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

// GetByIssueID retrieves a state record by tracker issue ID. Returns a copy.
func (s *Store) GetByIssueID(_ context.Context, issueID string) (*issue.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byID[issueID]
	if !ok {
		return nil, false, nil
	}
	return s.states[id].Clone(), true, nil
}

// Create inserts the record unless one already exists for the same IssueID.
func (s *Store) Create(_ context.Context, st *issue.State) (*issue.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byID[st.IssueID]; ok {
		return s.states[id].Clone(), false, nil
	}
	cp := st.Clone()
	s.states[cp.ID] = cp
	s.byID[cp.IssueID] = cp.ID
	return st.Clone(), true, nil
}

// Put stores a copy of the state record.
func (s *Store) Put(_ context.Context, st *issue.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := st.Clone()
	s.states[cp.ID] = cp
	s.byID[cp.IssueID] = cp.ID
	return nil
}

// List returns all records, newest first.
func (s *Store) List(_ context.Context) ([]*issue.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*issue.State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

// ListPending returns records awaiting approval, newest first.
func (s *Store) ListPending(_ context.Context) ([]*issue.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*issue.State
	for _, st := range s.states {
		if st.Stage == issue.StageAwaitingApproval && st.ApprovalStatus == issue.ApprovalPending {
			out = append(out, st.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// FinishApproval swaps ApprovalStatus from pending to the terminal value.
func (s *Store) FinishApproval(_ context.Context, id string, to issue.ApprovalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok || st.ApprovalStatus != issue.ApprovalPending {
		return false, nil
	}
	st.ApprovalStatus = to
	return true, nil
}

func sortNewestFirst(states []*issue.State) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})
}
