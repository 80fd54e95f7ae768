// Package suggestion tracks the review status of AI redline suggestions on
// the client, applying accept/reject locally before the server confirms.
package suggestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"lexicontract/api/internal/contract"
)

var (
	ErrNotFound      = errors.New("suggestion not found")
	ErrInvalidTarget = errors.New("suggestion can only move to accepted or rejected")
)

// API persists a status change.
type API interface {
	UpdateStatus(ctx context.Context, suggestionID string, status contract.Status) error
}

// Store holds the suggestions of one contract version.
type Store struct {
	api API
	log zerolog.Logger

	mu        sync.Mutex
	items     map[string]contract.AnalysisSuggestion
	order     []string
	errs      map[string]error
	pending   map[string]bool
	listeners map[int]func()
	nextID    int
}

func NewStore(api API, log zerolog.Logger) *Store {
	return &Store{
		api:       api,
		log:       log,
		items:     make(map[string]contract.AnalysisSuggestion),
		errs:      make(map[string]error),
		pending:   make(map[string]bool),
		listeners: make(map[int]func()),
	}
}

// Load replaces the tracked suggestions.
func (s *Store) Load(items []contract.AnalysisSuggestion) {
	s.mu.Lock()
	s.items = make(map[string]contract.AnalysisSuggestion, len(items))
	s.order = s.order[:0]
	s.errs = make(map[string]error)
	for _, item := range items {
		if _, dup := s.items[item.ID]; !dup {
			s.order = append(s.order, item.ID)
		}
		s.items[item.ID] = item
	}
	s.mu.Unlock()
	s.notify()
}

// Upsert applies a server-pushed suggestion, keeping list order stable.
func (s *Store) Upsert(item contract.AnalysisSuggestion) {
	s.mu.Lock()
	if _, ok := s.items[item.ID]; !ok {
		s.order = append(s.order, item.ID)
	}
	s.items[item.ID] = item
	s.mu.Unlock()
	s.notify()
}

func (s *Store) Get(id string) (contract.AnalysisSuggestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

// List returns the suggestions in load order.
func (s *Store) List() []contract.AnalysisSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contract.AnalysisSuggestion, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// Err returns the last failed transition for id, if any.
func (s *Store) Err(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[id]
}

// Pending reports whether a status update for id is in flight.
func (s *Store) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

// Subscribe registers fn to run after every state change. The returned
// func removes it.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// RequestTransition moves a suggestion out of review. The new status is
// visible immediately; if the API call fails the suggestion returns to
// suggested and the error is recorded and returned. A suggestion that has
// already left suggested is left alone and no call is made.
func (s *Store) RequestTransition(ctx context.Context, id string, target contract.Status) error {
	if !target.Terminal() {
		return ErrInvalidTarget
	}

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		s.log.Warn().Str("suggestion", id).Msg("transition requested for unknown suggestion")
		return ErrNotFound
	}
	if item.Status != contract.StatusSuggested {
		s.mu.Unlock()
		return nil
	}
	item.Status = target
	s.items[id] = item
	delete(s.errs, id)
	s.pending[id] = true
	s.mu.Unlock()
	s.notify()

	err := s.api.UpdateStatus(ctx, id, target)

	s.mu.Lock()
	delete(s.pending, id)
	if err != nil {
		if current, ok := s.items[id]; ok && current.Status == target {
			current.Status = contract.StatusSuggested
			s.items[id] = current
		}
		err = fmt.Errorf("update suggestion %s to %s: %w", id, target, err)
		s.errs[id] = err
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.log.Error().Err(err).Str("suggestion", id).Msg("status update failed, reverted")
		return err
	}
	s.log.Debug().Str("suggestion", id).Str("status", string(target)).Msg("status updated")
	return nil
}

func (s *Store) Accept(ctx context.Context, id string) error {
	return s.RequestTransition(ctx, id, contract.StatusAccepted)
}

func (s *Store) Reject(ctx context.Context, id string) error {
	return s.RequestTransition(ctx, id, contract.StatusRejected)
}

func (s *Store) notify() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
