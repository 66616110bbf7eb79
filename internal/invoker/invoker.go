// Package invoker executes one run of a task's job and gathers the run
// record and transcript activity the oracle needs to judge it.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskvisor/internal/jobstore"
	"github.com/basket/taskvisor/internal/llm"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
	"github.com/basket/taskvisor/internal/transcript"
)

// Mode selects how a run is executed.
type Mode string

const (
	// ModeCron triggers the job through the job store and polls its run log.
	ModeCron Mode = "cron"
	// ModeGateway sends the job message straight to the agent and treats the
	// reply as the run result.
	ModeGateway Mode = "gateway"
)

const (
	DefaultPollAttempts  = 8
	DefaultPollInterval  = 300 * time.Millisecond
	DefaultSessionSuffix = "tasks"

	maxReplyLine = 4000
	// Run records older than the trigger by more than this belong to an
	// earlier run.
	staleRecordSlack = 5 * time.Second
)

// RunContext is a run record plus what the agent did during it.
type RunContext struct {
	Entry    *jobstore.RunEntry
	Activity transcript.Activity
}

type Config struct {
	Mode         Mode
	Jobs         jobstore.Store
	Transcripts  *transcript.Reader
	Completer    llm.Completer
	PollAttempts int
	PollInterval time.Duration
	MaxChildren  int
	// SessionSuffix names the background session used in gateway mode:
	// agent:<agent>:<suffix>.
	SessionSuffix string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Invoker runs jobs and collects run context.
type Invoker struct {
	cfg   Config
	sleep func(context.Context, time.Duration) error
}

func New(cfg Config) (*Invoker, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("invoker: job store is required")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeCron
	case ModeCron:
	case ModeGateway:
		if cfg.Completer == nil {
			return nil, errors.New("invoker: gateway mode requires a completer")
		}
	default:
		return nil, fmt.Errorf("invoker: unknown execution mode %q", cfg.Mode)
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = transcript.DefaultMaxChildren
	}
	cfg.SessionSuffix = shared.FirstNonEmpty(cfg.SessionSuffix, DefaultSessionSuffix)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Invoker{cfg: cfg, sleep: sleepCtx}, nil
}

func (i *Invoker) Mode() Mode { return i.cfg.Mode }

// BackgroundSessionKey is the gateway-mode session for an agent's tasks.
func (i *Invoker) BackgroundSessionKey(agentID string) string {
	return "agent:" + shared.FirstNonEmpty(agentID, shared.DefaultAgentID) + ":" + i.cfg.SessionSuffix
}

// Trigger executes one run. In gateway mode the reply is returned as a
// synthesized ok run. In cron mode the result is only returned when the job
// store reported it inline; otherwise the caller should AwaitRunRecord.
func (i *Invoker) Trigger(ctx context.Context, job jobstore.Job, meta persistence.TaskMeta) (*RunContext, error) {
	agent := shared.FirstNonEmpty(job.AgentID, meta.AgentID, shared.DefaultAgentID)
	if i.cfg.Mode == ModeGateway {
		key := i.BackgroundSessionKey(agent)
		message := shared.FirstNonEmpty(job.Message, meta.Message)
		reply, err := i.cfg.Completer.Complete(ctx, llm.CompletionRequest{
			Prompt:     message,
			SessionKey: key,
			AgentID:    agent,
		})
		if err != nil {
			return nil, err
		}
		reply = strings.TrimSpace(reply)
		rc := &RunContext{Entry: &jobstore.RunEntry{
			Ts:         i.cfg.Now().UnixMilli(),
			JobID:      job.ID,
			Status:     "ok",
			Summary:    reply,
			SessionID:  key,
			SessionKey: key,
		}}
		if reply != "" {
			rc.Activity.Lines = []string{shared.Clip(reply, maxReplyLine)}
		}
		return rc, nil
	}

	entry, err := i.cfg.Jobs.TriggerRun(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Ts == 0 {
		return nil, nil
	}
	return i.contextFor(ctx, entry, agent), nil
}

// FromLastRun rebuilds a gateway-mode run context from the task's stored
// last run, used when triaging a task already in review.
func (i *Invoker) FromLastRun(meta persistence.TaskMeta, agentID string) *RunContext {
	lr := meta.LastRun
	if lr == nil || (lr.Ts == 0 && lr.Summary == "" && lr.Error == "") {
		return nil
	}
	key := shared.FirstNonEmpty(lr.SessionKey, i.BackgroundSessionKey(agentID))
	rc := &RunContext{Entry: &jobstore.RunEntry{
		Ts:         lr.Ts,
		JobID:      meta.JobID,
		Status:     strings.ToLower(lr.Status),
		Summary:    lr.Summary,
		Error:      lr.Error,
		SessionID:  shared.FirstNonEmpty(lr.SessionID, key),
		SessionKey: key,
	}}
	if lr.Summary != "" {
		rc.Activity.Lines = []string{shared.Clip(lr.Summary, maxReplyLine)}
	}
	return rc
}

// LatestRunContext fetches the newest run record and, when it names a
// session, that session's activity. It returns nil when the job has no run
// at or after notBefore (unix ms; 0 accepts any run).
func (i *Invoker) LatestRunContext(ctx context.Context, jobID, agentID string, notBefore int64) (*RunContext, error) {
	entries, err := i.cfg.Jobs.Runs(ctx, jobID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	entry := entries[0]
	if notBefore > 0 && entry.Ts > 0 && entry.Ts < notBefore {
		return nil, nil
	}
	return i.contextFor(ctx, &entry, agentID), nil
}

// AwaitRunRecord polls LatestRunContext until a record appears. Run records
// can take a moment to reach disk after the trigger returns. A nil result
// with nil error means no record showed up in time.
func (i *Invoker) AwaitRunRecord(ctx context.Context, jobID, agentID string, triggeredAt time.Time) (*RunContext, error) {
	var notBefore int64
	if !triggeredAt.IsZero() {
		notBefore = triggeredAt.Add(-staleRecordSlack).UnixMilli()
	}
	for attempt := 0; attempt < i.cfg.PollAttempts; attempt++ {
		rc, err := i.LatestRunContext(ctx, jobID, agentID, notBefore)
		if err == nil && rc != nil {
			return rc, nil
		}
		if err != nil {
			i.cfg.Logger.Debug("run record poll failed", "job_id", jobID, "attempt", attempt+1, "error", err)
		}
		if err := i.sleep(ctx, i.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (i *Invoker) contextFor(ctx context.Context, entry *jobstore.RunEntry, agentID string) *RunContext {
	rc := &RunContext{Entry: entry}
	if entry.SessionID == "" || i.cfg.Transcripts == nil {
		return rc
	}
	runAgent := shared.FirstNonEmpty(transcript.AgentFromSessionKey(entry.SessionKey), agentID, shared.DefaultAgentID)
	act, err := i.cfg.Transcripts.Collect(ctx, entry.SessionID, runAgent, transcript.CollectOptions{MaxChildren: i.cfg.MaxChildren})
	if err != nil {
		i.cfg.Logger.Warn("read run transcript failed", "job_id", entry.JobID, "session_id", entry.SessionID, "error", err)
	}
	rc.Activity = act
	return rc
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
