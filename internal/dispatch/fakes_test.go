package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/store"
	"rcs/pkg/errors"
	"rcs/pkg/models"
)

type fakeCatalog struct {
	events    map[string]*domain.EventDefinition
	scenes    map[string][]*domain.SceneDefinition
	rules     map[string]*domain.RuleDefinition
	eventErrs map[string]error
}

func (f *fakeCatalog) Event(_ context.Context, id string) (*domain.EventDefinition, error) {
	if err, ok := f.eventErrs[id]; ok {
		return nil, err
	}
	if ev, ok := f.events[id]; ok {
		return ev, nil
	}
	return nil, errors.ErrNotFound
}

func (f *fakeCatalog) ScenesForEvent(_ context.Context, eventID string) ([]*domain.SceneDefinition, error) {
	return f.scenes[eventID], nil
}

func (f *fakeCatalog) Rule(_ context.Context, id string) (*domain.RuleDefinition, error) {
	if r, ok := f.rules[id]; ok {
		return r, nil
	}
	return nil, errors.ErrNotFound
}

// memStore mirrors the conditional updates of store.OccurrenceRepository.
type memStore struct {
	mu             sync.Mutex
	occs           map[string]*domain.Occurrence
	undecidedCalls int
}

func newMemStore(occs ...*domain.Occurrence) *memStore {
	s := &memStore{occs: map[string]*domain.Occurrence{}}
	for _, o := range occs {
		s.occs[o.ID] = o
	}
	return s
}

func (s *memStore) snapshot(id string) *domain.Occurrence {
	o := *s.occs[id]
	o.Entries = append([]domain.RuleEntry(nil), o.Entries...)
	return &o
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.occs[id]; !ok {
		return nil, errors.ErrNotFound
	}
	return s.snapshot(id), nil
}

func (s *memStore) InitEntries(_ context.Context, id string, entries []domain.RuleEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.occs[id]
	if o.RulesResolved {
		return false, nil
	}
	o.RulesResolved = true
	o.Entries = entries
	o.EntryCount = len(entries)
	return true, nil
}

func (s *memStore) MarkDispatched(_ context.Context, id, ruleID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.occs[id]
	for i := range o.Entries {
		e := &o.Entries[i]
		if e.RuleID == ruleID && !e.Status.Completed() {
			e.Status = domain.EntryDispatched
			e.DispatchedAt = &at
			e.Attempts++
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) RecordOutcome(_ context.Context, id string, out store.Outcome) (*domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.occs[id]
	for i := range o.Entries {
		e := &o.Entries[i]
		if e.RuleID != out.RuleID || e.Status.Completed() {
			continue
		}
		e.Status = domain.EntryCompletedNoMatch
		if out.Matched {
			e.Status = domain.EntryCompletedMatch
			o.HitPunishLevel += out.PunishLevel
		}
		e.TimedOut = out.TimedOut
		o.CompletedCount++
		o.TotalPunishLevel += out.PunishLevel
		return s.snapshot(id), nil
	}
	return nil, nil
}

func (s *memStore) Decide(_ context.Context, id string, action domain.Action, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.occs[id]
	if o.Decided || !o.RulesResolved || o.CompletedCount != o.EntryCount {
		return false, nil
	}
	o.Decided = true
	o.SuggestedAction = action
	o.DecidedAt = &at
	return true, nil
}

func (s *memStore) Undecided(_ context.Context, cutoff time.Time, after store.Cursor, limit int64) ([]domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Occurrence
	for id, o := range s.occs {
		if o.Decided || !o.CreatedAt.Before(cutoff) {
			continue
		}
		if !after.CreatedAt.IsZero() && !cursorBefore(after, o) {
			continue
		}
		out = append(out, *s.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	s.undecidedCalls++
	return out, nil
}

func cursorBefore(c store.Cursor, o *domain.Occurrence) bool {
	if o.CreatedAt.Equal(c.CreatedAt) {
		return o.ID > c.ID
	}
	return o.CreatedAt.After(c.CreatedAt)
}

func (s *memStore) Unissued(_ context.Context, cutoff time.Time, _ int64) ([]domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Occurrence
	for id, o := range s.occs {
		if o.Decided && !o.Processed && o.DecidedAt.Before(cutoff) {
			out = append(out, *s.snapshot(id))
		}
	}
	return out, nil
}

type passthroughRenderer struct {
	err error
}

func (r passthroughRenderer) Render(_ context.Context, n expr.Node, _ *domain.Occurrence) (expr.Node, error) {
	return n, r.err
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][]models.MessageEnvelope
}

func newPublisher() *recordingPublisher {
	return &recordingPublisher{msgs: map[string][]models.MessageEnvelope{}}
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[topic] = append(p.msgs[topic], msg)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[topic])
}
