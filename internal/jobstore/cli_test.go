package jobstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type scriptedRunner struct {
	calls   [][]string
	results []CommandResult
	errs    []error
}

func (r *scriptedRunner) run(_ context.Context, args []string) (CommandResult, error) {
	r.calls = append(r.calls, append([]string(nil), args...))
	i := len(r.calls) - 1
	var res CommandResult
	var err error
	if i < len(r.results) {
		res = r.results[i]
	}
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return res, err
}

func newTestCLI(r *scriptedRunner) *CLIStore {
	s := NewCLIStore(CLIConfig{
		Runner: r.run,
		Now:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestCLIStore_ListParsesNoisyOutput(t *testing.T) {
	r := &scriptedRunner{results: []CommandResult{{Stdout: `[gateway] connected
{"jobs":[
 {"id":"a","agentId":"main","name":"Task: a","enabled":false,"payload":{"kind":"agentTurn","message":"do a"},"state":{"lastStatus":"error","lastError":"boom","lastRunAtMs":1700}},
 {"id":"b","payload":{"kind":"systemEvent"}},
 {"name":"no id"}
]}`}}}
	s := newTestCLI(r)

	all, err := s.List(context.Background(), true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
	a := all[0]
	if a.ID != "a" || a.Enabled || !a.Orchestrated() || a.Message != "do a" || a.State.LastRunAtMs != 1700 || a.LastStatus() != "error" {
		t.Fatalf("unexpected job: %+v", a)
	}
	if !all[1].Enabled {
		t.Fatal("missing enabled must default to true")
	}
	if got := strings.Join(r.calls[0], " "); got != "cron list --all --json" {
		t.Fatalf("args = %q", got)
	}

	r2 := &scriptedRunner{results: r.results}
	enabledOnly, _ := newTestCLI(r2).List(context.Background(), false)
	if len(enabledOnly) != 1 || enabledOnly[0].ID != "b" {
		t.Fatalf("expected only enabled job b, got %+v", enabledOnly)
	}
}

func TestCLIStore_CreateBuildsArgsAndRetriesGatewayTimeout(t *testing.T) {
	r := &scriptedRunner{
		results: []CommandResult{
			{Code: 1, Stderr: "Error: gateway timeout after 10000ms"},
			{Stdout: `{"id":"job-9","agentId":"coder","name":"Task: fix","payload":{"kind":"agentTurn","message":"fix"}}`},
		},
	}
	s := newTestCLI(r)
	job, err := s.Create(context.Background(), CreateSpec{AgentID: "coder", Name: "Task: fix", Message: "fix", Disabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID != "job-9" || job.AgentID != "coder" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(r.calls) != 2 {
		t.Fatalf("expected a retry, got %d calls", len(r.calls))
	}
	args := strings.Join(r.calls[0], " ")
	for _, want := range []string{"cron add", "--name Task: fix", "--session isolated", "--agent coder", "--message fix", "--at 2026-03-01T12:00:02Z", "--keep-after-run", "--no-deliver", "--disabled"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
}

func TestCLIStore_CreateDoesNotRetryOtherErrors(t *testing.T) {
	r := &scriptedRunner{results: []CommandResult{{Code: 2, Stderr: "invalid --at"}}}
	_, err := newTestCLI(r).Create(context.Background(), CreateSpec{Name: "x", Message: "x"})
	if err == nil || len(r.calls) != 1 {
		t.Fatalf("expected single failing call, got err=%v calls=%d", err, len(r.calls))
	}
	var cliErr *CLIError
	if !errors.As(err, &cliErr) || cliErr.Code != 2 {
		t.Fatalf("expected CLIError code 2, got %v", err)
	}
}

func TestCLIStore_EditFlags(t *testing.T) {
	r := &scriptedRunner{results: []CommandResult{{}, {}}}
	s := newTestCLI(r)
	off := false
	if err := s.Edit(context.Background(), "j1", Patch{NoDeliver: true, Enabled: &off}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got := strings.Join(r.calls[0], " "); got != "cron edit j1 --json --no-deliver --disabled" {
		t.Fatalf("args = %q", got)
	}
	if err := s.Edit(context.Background(), "j1", Patch{}); err != nil {
		t.Fatalf("empty edit: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatal("empty patch must not invoke the CLI")
	}
}

func TestCLIStore_RemoveNotFound(t *testing.T) {
	r := &scriptedRunner{results: []CommandResult{{Code: 1, Stderr: "Error: job not found: j1"}}}
	err := newTestCLI(r).Remove(context.Background(), "j1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCLIStore_TriggerRunFallsBackWithoutExpectFinal(t *testing.T) {
	r := &scriptedRunner{results: []CommandResult{
		{Code: 1, Stderr: "unknown option --expect-final"},
		{Stdout: `ran {"ok":true,"status":"ok","summary":"done","ts":1234}`},
	}}
	entry, err := newTestCLI(r).TriggerRun(context.Background(), "j1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if entry == nil || !entry.OK() || entry.Summary != "done" || entry.JobID != "j1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if strings.Join(r.calls[1], " ") != "cron run j1" {
		t.Fatalf("second call = %v", r.calls[1])
	}
}

func TestCLIStore_TriggerRunWithoutJSON(t *testing.T) {
	r := &scriptedRunner{results: []CommandResult{{Stdout: "queued"}}}
	entry, err := newTestCLI(r).TriggerRun(context.Background(), "j1")
	if err != nil || entry != nil {
		t.Fatalf("expected nil entry and nil error, got %+v %v", entry, err)
	}
}

func TestCLIStore_RunsSortedAndLimited(t *testing.T) {
	r := &scriptedRunner{results: []CommandResult{{Stdout: `{"entries":[{"ts":1,"status":"error"},{"ts":3,"status":"OK"},{"ts":2}]}`}}}
	runs, err := newTestCLI(r).Runs(context.Background(), "j1", 2)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Ts != 3 || runs[0].Status != "ok" || runs[1].Ts != 2 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if got := strings.Join(r.calls[0], " "); got != "cron runs --limit 2 --id j1" {
		t.Fatalf("args = %q", got)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("gateway timeout"), true},
		{errors.New("dial tcp: connect: connection refused"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{ErrNotFound, false},
		{errors.New("invalid flag"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
