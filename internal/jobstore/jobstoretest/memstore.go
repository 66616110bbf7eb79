// Package jobstoretest provides an in-memory jobstore.Store for tests.
package jobstoretest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskvisor/internal/jobstore"
)

// EditCall records one Edit.
type EditCall struct {
	ID    string
	Patch jobstore.Patch
}

// Store keeps jobs and run logs in memory and records every mutation.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]jobstore.Job
	order  []string
	runs   map[string][]jobstore.RunEntry
	nextID int

	// OnTrigger, when set, runs inside TriggerRun. Returning an entry appends
	// it to the job's run log.
	OnTrigger func(id string) (*jobstore.RunEntry, error)
	// Inline makes TriggerRun return the entry produced by OnTrigger.
	Inline bool

	ListErr   error
	EditErr   error
	CreateErr error

	Created   []jobstore.CreateSpec
	Edits     []EditCall
	Removed   []string
	Triggered []string
}

func New() *Store {
	return &Store{jobs: map[string]jobstore.Job{}, runs: map[string][]jobstore.RunEntry{}}
}

// AddJob inserts or replaces a job. Jobs default to orchestrated agent turns.
func (s *Store) AddJob(j jobstore.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.PayloadKind == "" {
		j.PayloadKind = jobstore.PayloadKindAgentTurn
	}
	if _, ok := s.jobs[j.ID]; !ok {
		s.order = append(s.order, j.ID)
	}
	s.jobs[j.ID] = j
}

// Job returns the current copy of a job.
func (s *Store) Job(id string) (jobstore.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// AddRun appends a run record and updates the job's state like the runtime
// does after a run.
func (s *Store) AddRun(id string, e jobstore.RunEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addRunLocked(id, e)
}

func (s *Store) addRunLocked(id string, e jobstore.RunEntry) {
	e.JobID = id
	s.runs[id] = append(s.runs[id], e)
	if j, ok := s.jobs[id]; ok {
		j.State.LastStatus = e.Status
		j.State.LastError = e.Error
		j.State.LastRunAtMs = e.Ts
		s.jobs[id] = j
	}
}

func (s *Store) List(_ context.Context, includeDisabled bool) ([]jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []jobstore.Job
	for _, id := range s.order {
		j, ok := s.jobs[id]
		if !ok || (!includeDisabled && !j.Enabled) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) Create(_ context.Context, spec jobstore.CreateSpec) (jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return jobstore.Job{}, s.CreateErr
	}
	s.nextID++
	j := jobstore.Job{
		ID:           fmt.Sprintf("job-%d", s.nextID),
		AgentID:      spec.AgentID,
		Name:         spec.Name,
		Enabled:      !spec.Disabled,
		PayloadKind:  jobstore.PayloadKindAgentTurn,
		Message:      spec.Message,
		DeliveryMode: jobstore.DeliverySuppress,
		Schedule:     jobstore.Schedule{Kind: jobstore.ScheduleAt, At: spec.AtISO},
		CreatedAtMs:  time.Now().UnixMilli(),
	}
	s.Created = append(s.Created, spec)
	s.order = append(s.order, j.ID)
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) Edit(_ context.Context, id string, patch jobstore.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Edits = append(s.Edits, EditCall{ID: id, Patch: patch})
	if s.EditErr != nil {
		return s.EditErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	if patch.NoDeliver {
		j.DeliveryMode = jobstore.DeliverySuppress
	}
	if patch.Enabled != nil {
		j.Enabled = *patch.Enabled
	}
	s.jobs[id] = j
	return nil
}

func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return jobstore.ErrNotFound
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.Removed = append(s.Removed, id)
	return nil
}

func (s *Store) Runs(_ context.Context, id string, limit int) ([]jobstore.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]jobstore.RunEntry(nil), s.runs[id]...)
	sort.SliceStable(out, func(a, b int) bool { return out[a].Ts > out[b].Ts })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TriggerRun(_ context.Context, id string) (*jobstore.RunEntry, error) {
	s.mu.Lock()
	s.Triggered = append(s.Triggered, id)
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return nil, jobstore.ErrNotFound
	}
	hook := s.OnTrigger
	s.mu.Unlock()
	if hook == nil {
		return nil, nil
	}
	entry, err := hook(id)
	if err != nil || entry == nil {
		return nil, err
	}
	s.mu.Lock()
	s.addRunLocked(id, *entry)
	inline := s.Inline
	s.mu.Unlock()
	if inline {
		e := *entry
		e.JobID = id
		return &e, nil
	}
	return nil, nil
}

// EditCalls returns a copy of the recorded edits.
func (s *Store) EditCalls() []EditCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EditCall(nil), s.Edits...)
}

// TriggerCount returns how many runs were triggered.
func (s *Store) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Triggered)
}
