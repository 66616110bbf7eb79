package jobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskvisor/internal/shared"
)

// Per-operation timeouts for the runtime CLI.
const (
	cliListTimeout = 6 * time.Second
	cliEditTimeout = 15 * time.Second
	cliAddTimeout  = 30 * time.Second
	cliRunTimeout  = 120 * time.Second

	addRetryDelay = 750 * time.Millisecond
)

// CommandResult is the raw outcome of one CLI invocation.
type CommandResult struct {
	Code   int
	Stdout string
	Stderr string
}

// Runner executes the CLI. Tests replace it.
type Runner func(ctx context.Context, args []string) (CommandResult, error)

// CLIError describes a failed CLI invocation.
type CLIError struct {
	Args   []string
	Code   int
	Stdout string
	Stderr string
	Err    error
}

func (e *CLIError) Error() string {
	detail := shared.FirstNonEmpty(e.Stderr, e.Stdout)
	msg := fmt.Sprintf("openclaw %s", strings.Join(e.Args, " "))
	switch {
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	default:
		msg += " failed with code " + strconv.Itoa(e.Code)
	}
	if detail != "" {
		msg += ": " + shared.Clip(strings.TrimSpace(detail), 400)
	}
	return msg
}

func (e *CLIError) Unwrap() error { return e.Err }

// CLIConfig configures a CLIStore.
type CLIConfig struct {
	Binary      string
	OpenClawDir string
	Logger      *slog.Logger
	// Runner overrides process execution.
	Runner Runner
	// Now is used to compute the default one-shot schedule time.
	Now func() time.Time
}

// CLIStore drives the runtime's `cron` subcommands.
type CLIStore struct {
	binary string
	dir    string
	logger *slog.Logger
	run    Runner
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

func NewCLIStore(cfg CLIConfig) *CLIStore {
	s := &CLIStore{
		binary: cfg.Binary,
		dir:    cfg.OpenClawDir,
		logger: cfg.Logger,
		run:    cfg.Runner,
		now:    cfg.Now,
		sleep:  sleepCtx,
	}
	if s.binary == "" {
		s.binary = "openclaw"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.run == nil {
		s.run = s.execRunner
	}
	return s
}

func (s *CLIStore) execRunner(ctx context.Context, args []string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Env = os.Environ()
	if s.dir != "" {
		cmd.Env = append(cmd.Env, "OPENCLAW_DIR="+s.dir)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.Code = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, fmt.Errorf("timed out: %w", ctx.Err())
		}
		return res, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("timed out: %w", ctx.Err())
		}
		return res, err
	}
	return res, nil
}

func (s *CLIStore) invoke(ctx context.Context, timeout time.Duration, args ...string) (CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := s.run(cctx, args)
	if err != nil {
		return res, &CLIError{Args: args, Code: res.Code, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}
	if res.Code != 0 {
		cliErr := &CLIError{Args: args, Code: res.Code, Stdout: res.Stdout, Stderr: res.Stderr}
		if looksNotFound(res.Stderr + " " + res.Stdout) {
			return res, fmt.Errorf("%w: %s", ErrNotFound, cliErr.Error())
		}
		return res, cliErr
	}
	return res, nil
}

// invokeJSON runs the CLI and parses its output leniently (stdout, then stderr).
func (s *CLIStore) invokeJSON(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	res, err := s.invoke(ctx, timeout, args...)
	if err != nil {
		return nil, err
	}
	if raw, ok := shared.ParseLoose(res.Stdout); ok {
		return raw, nil
	}
	if raw, ok := shared.ParseLoose(res.Stderr); ok {
		return raw, nil
	}
	return nil, &CLIError{Args: args, Stdout: res.Stdout, Stderr: res.Stderr, Err: errors.New("unparseable JSON output")}
}

func (s *CLIStore) List(ctx context.Context, includeDisabled bool) ([]Job, error) {
	raw, err := s.invokeJSON(ctx, cliListTimeout, "cron", "list", "--all", "--json")
	if err != nil {
		return nil, err
	}
	return filterEnabled(ParseJobs(raw), includeDisabled), nil
}

// Create adds a one-shot isolated agent turn that never delivers on its own.
// A gateway-timeout failure is retried once after a short pause.
func (s *CLIStore) Create(ctx context.Context, spec CreateSpec) (Job, error) {
	at := spec.AtISO
	if at == "" {
		at = DefaultAtISO(s.now())
	}
	agent := shared.FirstNonEmpty(spec.AgentID, shared.DefaultAgentID)
	args := []string{
		"cron", "add",
		"--name", spec.Name,
		"--session", "isolated",
		"--agent", agent,
		"--message", spec.Message,
		"--at", at,
		"--keep-after-run",
		"--no-deliver",
		"--json",
	}
	if spec.Disabled {
		args = append(args, "--disabled")
	}

	raw, err := s.invokeJSON(ctx, cliAddTimeout, args...)
	if err != nil && IsTransient(err) {
		s.logger.Warn("cron add hit a gateway timeout; retrying once", "error", err)
		if serr := s.sleep(ctx, addRetryDelay); serr != nil {
			return Job{}, serr
		}
		raw, err = s.invokeJSON(ctx, cliAddTimeout, args...)
	}
	if err != nil {
		return Job{}, err
	}

	job := ParseJob(raw)
	if job.ID == "" {
		// Some versions wrap the created job.
		job = ParseJob([]byte(gjsonGet(raw, "job")))
	}
	if job.ID == "" {
		return Job{}, &CLIError{Args: args, Stdout: string(raw), Err: errors.New("created job has no id")}
	}
	if job.AgentID == "" {
		job.AgentID = agent
	}
	if job.Name == "" {
		job.Name = spec.Name
	}
	if job.Message == "" {
		job.Message = spec.Message
	}
	if job.PayloadKind == "" {
		job.PayloadKind = PayloadKindAgentTurn
	}
	return job, nil
}

func (s *CLIStore) Edit(ctx context.Context, id string, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	args := []string{"cron", "edit", id, "--json"}
	if patch.NoDeliver {
		args = append(args, "--no-deliver")
	}
	if patch.Enabled != nil {
		if *patch.Enabled {
			args = append(args, "--enabled")
		} else {
			args = append(args, "--disabled")
		}
	}
	_, err := s.invoke(ctx, cliEditTimeout, args...)
	return err
}

func (s *CLIStore) Remove(ctx context.Context, id string) error {
	_, err := s.invoke(ctx, cliEditTimeout, "cron", "rm", id, "--json")
	return err
}

func (s *CLIStore) Runs(ctx context.Context, id string, limit int) ([]RunEntry, error) {
	limit = clampLimit(limit)
	args := []string{"cron", "runs", "--limit", strconv.Itoa(limit)}
	if id != "" {
		args = append(args, "--id", id)
	}
	raw, err := s.invokeJSON(ctx, cliListTimeout, args...)
	if err != nil {
		return nil, err
	}
	var out []RunEntry
	for _, item := range gjsonArray(raw, "entries") {
		if e, ok := ParseRunEntry([]byte(item)); ok {
			out = append(out, e)
		}
	}
	sortRuns(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TriggerRun runs the job now, preferring --expect-final so the call returns
// only after the agent turn finished.
func (s *CLIStore) TriggerRun(ctx context.Context, id string) (*RunEntry, error) {
	attempts := [][]string{
		{"cron", "run", id, "--expect-final"},
		{"cron", "run", id},
	}
	var last error
	for _, args := range attempts {
		res, err := s.invoke(ctx, cliRunTimeout, args...)
		if err != nil {
			if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
				return nil, err
			}
			last = err
			continue
		}
		raw, ok := shared.ParseLoose(res.Stdout)
		if !ok {
			raw, ok = shared.ParseLoose(res.Stderr)
		}
		if !ok {
			return nil, nil
		}
		if e, ok := ParseRunEntry(raw); ok && (e.Status != "" || e.Ts != 0) {
			if e.JobID == "" {
				e.JobID = id
			}
			return &e, nil
		}
		return nil, nil
	}
	return nil, last
}

// DefaultAtISO is the one-shot schedule time for task jobs: a couple of
// seconds ahead so the runtime accepts it. Task jobs stay disabled, so the
// time never fires on its own.
func DefaultAtISO(now time.Time) string {
	return now.Add(2 * time.Second).UTC().Format(time.RFC3339Nano)
}

func looksNotFound(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "unknown job") || strings.Contains(lower, "no such job")
}

// IsTransient reports errors worth one retry: timeouts and dropped gateway
// connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupported) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"gateway timeout", "timed out", "econnrefused", "connection refused", "other side closed", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func filterEnabled(jobs []Job, includeDisabled bool) []Job {
	if includeDisabled {
		return jobs
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func sortRuns(entries []RunEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Ts > entries[j].Ts })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
