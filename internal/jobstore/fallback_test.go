package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubStore records calls and returns canned results.
type stubStore struct {
	jobs       []Job
	listErr    error
	editErr    []error
	removeErr  error
	runs       []RunEntry
	runsErr    error
	triggerErr []error

	editCalls    int
	triggerCalls int
	listCalls    int
}

func (s *stubStore) List(context.Context, bool) ([]Job, error) {
	s.listCalls++
	return s.jobs, s.listErr
}
func (s *stubStore) Create(_ context.Context, spec CreateSpec) (Job, error) {
	return Job{ID: "cli-job", Name: spec.Name}, nil
}
func (s *stubStore) Edit(context.Context, string, Patch) error {
	s.editCalls++
	if len(s.editErr) >= s.editCalls {
		return s.editErr[s.editCalls-1]
	}
	return nil
}
func (s *stubStore) Remove(context.Context, string) error { return s.removeErr }
func (s *stubStore) Runs(context.Context, string, int) ([]RunEntry, error) {
	return s.runs, s.runsErr
}
func (s *stubStore) TriggerRun(context.Context, string) (*RunEntry, error) {
	s.triggerCalls++
	if len(s.triggerErr) >= s.triggerCalls {
		return nil, s.triggerErr[s.triggerCalls-1]
	}
	return &RunEntry{Status: "ok"}, nil
}

func TestFallbackStore_ListPrefersDisk(t *testing.T) {
	dir := t.TempDir()
	writeJobsFile(t, dir, `{"jobs":[{"id":"disk-job","payload":{"kind":"agentTurn"}}]}`)
	cli := &stubStore{jobs: []Job{{ID: "cli-job"}}}
	f := NewFallbackStore(cli, NewDiskStore(dir), nil)

	jobs, err := f.List(context.Background(), true)
	if err != nil || len(jobs) != 1 || jobs[0].ID != "disk-job" {
		t.Fatalf("list = %+v %v", jobs, err)
	}
	if cli.listCalls != 0 {
		t.Fatal("cli should not be consulted while jobs.json exists")
	}

	f2 := NewFallbackStore(cli, NewDiskStore(t.TempDir()), nil)
	jobs, _ = f2.List(context.Background(), true)
	if len(jobs) != 1 || jobs[0].ID != "cli-job" {
		t.Fatalf("expected cli list when disk missing, got %+v", jobs)
	}
}

func TestFallbackStore_EditFallsBackToDisk(t *testing.T) {
	dir := t.TempDir()
	writeJobsFile(t, dir, `{"jobs":[{"id":"j1","enabled":true}]}`)
	cli := &stubStore{editErr: []error{errors.New("gateway timeout")}}
	disk := NewDiskStore(dir)
	f := NewFallbackStore(cli, disk, nil)
	off := false

	if err := f.Edit(context.Background(), "j1", Patch{Enabled: &off}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	jobs, _ := disk.List(context.Background(), true)
	if jobs[0].Enabled {
		t.Fatal("disk fallback did not apply the edit")
	}
}

func TestFallbackStore_RemoveNotFoundEverywhere(t *testing.T) {
	dir := t.TempDir()
	writeJobsFile(t, dir, `{"jobs":[]}`)
	cli := &stubStore{removeErr: ErrNotFound}
	f := NewFallbackStore(cli, NewDiskStore(dir), nil)
	if err := f.Remove(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFallbackStore_RunsPreferDiskThenCLI(t *testing.T) {
	cli := &stubStore{runs: []RunEntry{{Ts: 9, Status: "ok"}}}
	f := NewFallbackStore(cli, NewDiskStore(t.TempDir()), nil)
	runs, err := f.Runs(context.Background(), "j1", 5)
	if err != nil || len(runs) != 1 || runs[0].Ts != 9 {
		t.Fatalf("runs = %+v %v", runs, err)
	}
}

func TestResilientStore_RetriesTransientOnce(t *testing.T) {
	inner := &stubStore{editErr: []error{errors.New("gateway timeout"), errors.New("gateway timeout"), nil}}
	s := NewResilientStore(inner, ResilientConfig{CallTimeout: time.Second})
	s.sleep = func(context.Context, time.Duration) error { return nil }

	err := s.Edit(context.Background(), "j1", Patch{NoDeliver: true})
	if err == nil {
		t.Fatal("expected failure after one retry")
	}
	if inner.editCalls != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", inner.editCalls)
	}
}

func TestResilientStore_NoRetryOnNotFound(t *testing.T) {
	inner := &stubStore{editErr: []error{ErrNotFound}}
	s := NewResilientStore(inner, ResilientConfig{})
	s.sleep = func(context.Context, time.Duration) error { return nil }
	if err := s.Edit(context.Background(), "j1", Patch{NoDeliver: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if inner.editCalls != 1 {
		t.Fatalf("expected 1 call, got %d", inner.editCalls)
	}
}

func TestResilientStore_TriggerNeverRetried(t *testing.T) {
	inner := &stubStore{triggerErr: []error{errors.New("timed out")}}
	s := NewResilientStore(inner, ResilientConfig{})
	if _, err := s.TriggerRun(context.Background(), "j1"); err == nil {
		t.Fatal("expected error")
	}
	if inner.triggerCalls != 1 {
		t.Fatalf("trigger called %d times", inner.triggerCalls)
	}
}

func TestResilientStore_AppliesDeadline(t *testing.T) {
	var deadline time.Time
	inner := &deadlineStore{seen: &deadline}
	s := NewResilientStore(inner, ResilientConfig{CallTimeout: 50 * time.Millisecond})
	_, _ = s.List(context.Background(), true)
	if deadline.IsZero() || time.Until(deadline) > 50*time.Millisecond {
		t.Fatalf("expected a call deadline, got %v", deadline)
	}
}

type deadlineStore struct {
	stubStore
	seen *time.Time
}

func (d *deadlineStore) List(ctx context.Context, _ bool) ([]Job, error) {
	*d.seen, _ = ctx.Deadline()
	return nil, nil
}

func TestOpen_Modes(t *testing.T) {
	for _, mode := range []string{"", "auto", "cli", "disk"} {
		if _, err := Open(Options{Mode: mode, OpenClawDir: t.TempDir()}); err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
	}
	if _, err := Open(Options{Mode: "carrier"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
