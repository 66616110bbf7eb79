// Package jobstore talks to the external runtime's job store: the set of
// scheduled agent turns it owns. The orchestrator never owns a job; it only
// creates, edits, removes and triggers them through the Store contract.
package jobstore

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// PayloadKindAgentTurn marks jobs the orchestrator manages.
const PayloadKindAgentTurn = "agentTurn"

// DeliveryMode says whether a run's output reaches the user.
type DeliveryMode string

const (
	DeliveryDeliver  DeliveryMode = "deliver"
	DeliverySuppress DeliveryMode = "suppress"
)

// wireDeliveryNone is the runtime's spelling of a suppressed delivery.
const wireDeliveryNone = "none"

// ParseDeliveryMode coerces the runtime's delivery.mode. An empty mode
// delivers. Unknown modes deliver and report false.
func ParseDeliveryMode(s string) (DeliveryMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "announce", "deliver":
		return DeliveryDeliver, true
	case wireDeliveryNone, "suppress", "silent", "off":
		return DeliverySuppress, true
	default:
		return DeliveryDeliver, false
	}
}

// ScheduleKind is the kind of a job's schedule. Jobs without a schedule
// run only when triggered.
type ScheduleKind string

const (
	ScheduleManual   ScheduleKind = "manual"
	ScheduleAt       ScheduleKind = "at"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

// ParseScheduleKind coerces the runtime's schedule.kind; "every" is an
// interval. Unknown kinds become manual and report false.
func ParseScheduleKind(s string) (ScheduleKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return ScheduleManual, true
	case "at":
		return ScheduleAt, true
	case "cron":
		return ScheduleCron, true
	case "every", "interval":
		return ScheduleInterval, true
	default:
		return ScheduleManual, false
	}
}

var (
	ErrNotFound    = errors.New("job not found")
	ErrUnsupported = errors.New("operation not supported by job store")
)

type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	At      string       `json:"at,omitempty"`
	Expr    string       `json:"expr,omitempty"`
	EveryMs int64        `json:"everyMs,omitempty"`
}

type JobState struct {
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	NextRunAtMs int64  `json:"nextRunAtMs,omitempty"`
}

// Job is the orchestrator's view of one runtime job.
type Job struct {
	ID            string       `json:"id"`
	AgentID       string       `json:"agentId,omitempty"`
	Name          string       `json:"name,omitempty"`
	Enabled       bool         `json:"enabled"`
	SessionTarget string       `json:"sessionTarget,omitempty"`
	PayloadKind   string       `json:"payloadKind,omitempty"`
	Message       string       `json:"message,omitempty"`
	DeliveryMode  DeliveryMode `json:"deliveryMode"`
	Schedule      Schedule     `json:"schedule"`
	State         JobState     `json:"state"`
	CreatedAtMs   int64        `json:"createdAtMs,omitempty"`
	UpdatedAtMs   int64        `json:"updatedAtMs,omitempty"`
}

// Orchestrated reports whether the job is an agent turn the worker manages.
func (j Job) Orchestrated() bool {
	return j.PayloadKind == PayloadKindAgentTurn
}

// LastStatus returns the lower-cased last run status.
func (j Job) LastStatus() string {
	return strings.ToLower(strings.TrimSpace(j.State.LastStatus))
}

// RunEntry is one record from a job's run history.
type RunEntry struct {
	Ts         int64  `json:"ts"`
	JobID      string `json:"jobId,omitempty"`
	Status     string `json:"status,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// OK reports whether the run finished with status ok.
func (r RunEntry) OK() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "ok")
}

// CreateSpec describes a job to create. Jobs created for tasks are one-shot,
// disabled (the worker triggers them), and never deliver on their own.
type CreateSpec struct {
	AgentID  string
	Name     string
	Message  string
	Disabled bool
	// AtISO is the required one-shot schedule time.
	AtISO string
}

// Patch is the set of job edits the orchestrator is allowed to make.
type Patch struct {
	NoDeliver bool
	// Enabled is left unchanged when nil.
	Enabled *bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return !p.NoDeliver && p.Enabled == nil
}

// Store is the job store contract.
type Store interface {
	// List returns jobs. Disabled jobs are included when includeDisabled is set.
	List(ctx context.Context, includeDisabled bool) ([]Job, error)
	Create(ctx context.Context, spec CreateSpec) (Job, error)
	Edit(ctx context.Context, id string, patch Patch) error
	// Remove returns ErrNotFound when the job does not exist.
	Remove(ctx context.Context, id string) error
	// Runs returns up to limit entries, most recent first.
	Runs(ctx context.Context, id string, limit int) ([]RunEntry, error)
	// TriggerRun executes the job once. The returned entry is nil when the
	// runtime did not report a result inline.
	TriggerRun(ctx context.Context, id string) (*RunEntry, error)
}

// ParseJob decodes one job object as the runtime writes it. Unknown or
// mistyped fields are tolerated; a missing "enabled" means enabled.
// Delivery and schedule kinds are coerced onto their closed sets.
func ParseJob(raw []byte) Job {
	r := gjson.ParseBytes(raw)
	delivery, _ := ParseDeliveryMode(r.Get("delivery.mode").String())
	if d := r.Get("delivery.enabled"); d.Exists() && !d.Bool() {
		delivery = DeliverySuppress
	}
	kind, _ := ParseScheduleKind(r.Get("schedule.kind").String())
	j := Job{
		ID:            r.Get("id").String(),
		AgentID:       r.Get("agentId").String(),
		Name:          r.Get("name").String(),
		Enabled:       !r.Get("enabled").Exists() || r.Get("enabled").Bool(),
		SessionTarget: r.Get("sessionTarget").String(),
		PayloadKind:   r.Get("payload.kind").String(),
		Message:       r.Get("payload.message").String(),
		DeliveryMode:  delivery,
		Schedule: Schedule{
			Kind:    kind,
			At:      r.Get("schedule.at").String(),
			Expr:    r.Get("schedule.expr").String(),
			EveryMs: r.Get("schedule.everyMs").Int(),
		},
		State: JobState{
			LastStatus:  r.Get("state.lastStatus").String(),
			LastError:   r.Get("state.lastError").String(),
			LastRunAtMs: r.Get("state.lastRunAtMs").Int(),
			NextRunAtMs: r.Get("state.nextRunAtMs").Int(),
		},
		CreatedAtMs: r.Get("createdAtMs").Int(),
		UpdatedAtMs: r.Get("updatedAtMs").Int(),
	}
	return j
}

// ParseJobs decodes {"jobs":[...]} or a bare array.
func ParseJobs(raw []byte) []Job {
	r := gjson.ParseBytes(raw)
	list := r
	if r.IsObject() {
		list = r.Get("jobs")
	}
	if !list.IsArray() {
		return nil
	}
	var out []Job
	for _, item := range list.Array() {
		if !item.IsObject() {
			continue
		}
		j := ParseJob([]byte(item.Raw))
		if j.ID == "" {
			continue
		}
		out = append(out, j)
	}
	return out
}

// ParseRunEntry decodes one run record. The timestamp falls back to
// runAtMs when ts is absent.
func ParseRunEntry(raw []byte) (RunEntry, bool) {
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return RunEntry{}, false
	}
	e := RunEntry{
		Ts:         r.Get("ts").Int(),
		JobID:      r.Get("jobId").String(),
		Status:     strings.ToLower(r.Get("status").String()),
		Summary:    r.Get("summary").String(),
		Error:      r.Get("error").String(),
		SessionID:  r.Get("sessionId").String(),
		SessionKey: r.Get("sessionKey").String(),
		DurationMs: r.Get("durationMs").Int(),
	}
	if e.Ts == 0 {
		e.Ts = r.Get("runAtMs").Int()
	}
	return e, true
}

func gjsonGet(raw []byte, path string) string {
	return gjson.GetBytes(raw, path).Raw
}

func gjsonArray(raw []byte, path string) []string {
	r := gjson.ParseBytes(raw)
	list := r
	if r.IsObject() {
		list = r.Get(path)
	}
	var out []string
	for _, item := range list.Array() {
		out = append(out, item.Raw)
	}
	return out
}
