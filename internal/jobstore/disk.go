package jobstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskvisor/internal/shared"
	"github.com/google/uuid"
)

// DiskStore reads and edits the runtime's jobs.json directly. It keeps working
// while the runtime's gateway is down but cannot execute anything.
type DiskStore struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func NewDiskStore(openclawDir string) *DiskStore {
	return &DiskStore{dir: openclawDir, now: time.Now}
}

func (d *DiskStore) jobsPath() string {
	return filepath.Join(d.dir, "cron", "jobs.json")
}

func (d *DiskStore) runsPath(id string) string {
	return filepath.Join(d.dir, "cron", "runs", id+".jsonl")
}

// Exists reports whether jobs.json is present.
func (d *DiskStore) Exists() bool {
	_, err := os.Stat(d.jobsPath())
	return err == nil
}

// jobsFile keeps every top-level key and every job as raw JSON so writes
// preserve fields this package does not model.
type jobsFile struct {
	top  map[string]json.RawMessage
	jobs []map[string]any
}

func (d *DiskStore) read() (jobsFile, error) {
	f := jobsFile{top: map[string]json.RawMessage{}}
	data, err := os.ReadFile(d.jobsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("read jobs.json: %w", err)
	}
	if err := json.Unmarshal(data, &f.top); err != nil {
		return f, fmt.Errorf("parse jobs.json: %w", err)
	}
	if raw, ok := f.top["jobs"]; ok {
		if err := json.Unmarshal(raw, &f.jobs); err != nil {
			return f, fmt.Errorf("parse jobs.json jobs: %w", err)
		}
	}
	return f, nil
}

func (d *DiskStore) write(f jobsFile) error {
	if f.jobs == nil {
		f.jobs = []map[string]any{}
	}
	jobs, err := json.Marshal(f.jobs)
	if err != nil {
		return err
	}
	f.top["jobs"] = jobs
	if _, ok := f.top["version"]; !ok {
		f.top["version"] = json.RawMessage("1")
	}
	out, err := json.MarshalIndent(f.top, "", "  ")
	if err != nil {
		return err
	}
	path := d.jobsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jobs-*.json")
	if err != nil {
		return fmt.Errorf("write jobs.json: %w", err)
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write jobs.json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write jobs.json: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (d *DiskStore) List(_ context.Context, includeDisabled bool) ([]Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.read()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(f.jobs))
	for _, raw := range f.jobs {
		b, _ := json.Marshal(raw)
		j := ParseJob(b)
		if j.ID == "" {
			continue
		}
		jobs = append(jobs, j)
	}
	return filterEnabled(jobs, includeDisabled), nil
}

func (d *DiskStore) Create(_ context.Context, spec CreateSpec) (Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.read()
	if err != nil {
		return Job{}, err
	}
	now := d.now()
	at := spec.AtISO
	if at == "" {
		at = DefaultAtISO(now)
	}
	agent := shared.FirstNonEmpty(spec.AgentID, shared.DefaultAgentID)
	id := uuid.NewString()
	entry := map[string]any{
		"id":             id,
		"agentId":        agent,
		"name":           spec.Name,
		"enabled":        !spec.Disabled,
		"deleteAfterRun": false,
		"sessionTarget":  "isolated",
		"schedule":       map[string]any{"kind": string(ScheduleAt), "at": at},
		"payload":        map[string]any{"kind": PayloadKindAgentTurn, "message": spec.Message},
		"delivery":       map[string]any{"mode": wireDeliveryNone},
		"state":          map[string]any{},
		"createdAtMs":    now.UnixMilli(),
		"updatedAtMs":    now.UnixMilli(),
	}
	f.jobs = append(f.jobs, entry)
	if err := d.write(f); err != nil {
		return Job{}, err
	}
	b, _ := json.Marshal(entry)
	return ParseJob(b), nil
}

func (d *DiskStore) Edit(_ context.Context, id string, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.read()
	if err != nil {
		return err
	}
	idx := d.indexOf(f, id)
	if idx < 0 {
		return ErrNotFound
	}
	job := f.jobs[idx]
	if patch.NoDeliver {
		delivery, _ := job["delivery"].(map[string]any)
		if delivery == nil {
			delivery = map[string]any{}
		}
		delivery["mode"] = wireDeliveryNone
		job["delivery"] = delivery
	}
	if patch.Enabled != nil {
		job["enabled"] = *patch.Enabled
	}
	job["updatedAtMs"] = d.now().UnixMilli()
	return d.write(f)
}

func (d *DiskStore) Remove(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.read()
	if err != nil {
		return err
	}
	idx := d.indexOf(f, id)
	if idx < 0 {
		return ErrNotFound
	}
	f.jobs = append(f.jobs[:idx], f.jobs[idx+1:]...)
	return d.write(f)
}

func (d *DiskStore) indexOf(f jobsFile, id string) int {
	for i, j := range f.jobs {
		if v, _ := j["id"].(string); v == id {
			return i
		}
	}
	return -1
}

// Runs reads cron/runs/<id>.jsonl. Only the tail of the file is decoded.
func (d *DiskStore) Runs(_ context.Context, id string, limit int) ([]RunEntry, error) {
	if id == "" {
		return nil, ErrUnsupported
	}
	limit = clampLimit(limit)
	file, err := os.Open(d.runsPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()

	var lines []string
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit*3 {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}

	out := make([]RunEntry, 0, len(lines))
	for _, line := range lines {
		raw, ok := shared.ParseLoose(line)
		if !ok {
			continue
		}
		if e, ok := ParseRunEntry(raw); ok {
			out = append(out, e)
		}
	}
	sortRuns(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DiskStore) TriggerRun(context.Context, string) (*RunEntry, error) {
	return nil, ErrUnsupported
}
