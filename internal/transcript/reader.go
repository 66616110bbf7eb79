// Package transcript reads agent session transcripts written by the runtime
// (<openclaw>/agents/<agent>/sessions/<id>.jsonl) and condenses them into the
// activity lines, child sessions and memory file changes the triage oracle
// reads.
package transcript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/taskvisor/internal/shared"
	"github.com/tidwall/gjson"
)

const (
	DefaultRootLimit   = 600
	DefaultChildLimit  = 400
	DefaultMaxChildren = 5
)

// ErrInvalidSessionID is returned for ids that could escape the sessions dir.
var ErrInvalidSessionID = errors.New("transcript: invalid session id")

// Reader locates and reads session files under an OpenClaw state directory.
type Reader struct {
	dir string
}

func NewReader(openclawDir string) *Reader {
	return &Reader{dir: openclawDir}
}

// AgentIDs lists the agent directories present on disk, sorted.
func (r *Reader) AgentIDs() []string {
	entries, err := os.ReadDir(filepath.Join(r.dir, "agents"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "" {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// FindSession returns the transcript path for sessionID. The preferred agent
// is checked first, then every other agent directory.
func (r *Reader) FindSession(sessionID, agentID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !validID(sessionID) {
		return "", ErrInvalidSessionID
	}
	var candidates []string
	if agentID != "" && validID(agentID) {
		candidates = append(candidates, r.sessionPath(agentID, sessionID))
	}
	for _, a := range r.AgentIDs() {
		if a == agentID {
			continue
		}
		candidates = append(candidates, r.sessionPath(a, sessionID))
	}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", os.ErrNotExist
}

func (r *Reader) sessionPath(agentID, sessionID string) string {
	return filepath.Join(r.dir, "agents", agentID, "sessions", sessionID+".jsonl")
}

// Session is the tail of one transcript.
type Session struct {
	Path   string
	Events []gjson.Result
	// Total counts every decodable event in the file, not just the tail.
	Total int
}

// ReadSession returns the last limit events of a session. A missing session is
// not an error: the returned Session is empty.
func (r *Reader) ReadSession(sessionID, agentID string, limit int) (Session, error) {
	path, err := r.FindSession(sessionID, agentID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, nil
		}
		return Session{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Session{}, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	defer f.Close()

	s := Session{Path: path}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		ev, ok := ParseEvent(sc.Text())
		if !ok {
			continue
		}
		s.Total++
		s.Events = append(s.Events, ev)
		if limit > 0 && len(s.Events) > limit {
			s.Events = s.Events[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return s, fmt.Errorf("transcript: read %s: %w", path, err)
	}
	return s, nil
}

// ParseEvent decodes one transcript line. Lines with stray text around the
// JSON object are accepted.
func ParseEvent(line string) (gjson.Result, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return gjson.Result{}, false
	}
	if !gjson.Valid(line) {
		raw, ok := shared.ParseLoose(line)
		if !ok {
			return gjson.Result{}, false
		}
		line = string(raw)
	}
	r := gjson.Parse(line)
	if !r.IsObject() {
		return gjson.Result{}, false
	}
	return r, true
}

// CollectOptions bounds Collect.
type CollectOptions struct {
	RootLimit   int
	ChildLimit  int
	MaxChildren int
}

// Activity is everything the oracle sees about one run's session.
type Activity struct {
	Lines    []string        `json:"lines"`
	Changes  []FileChange    `json:"changes"`
	Children []ChildActivity `json:"children"`
}

type ChildActivity struct {
	AgentID    string       `json:"agentId,omitempty"`
	SessionID  string       `json:"sessionId"`
	SessionKey string       `json:"sessionKey,omitempty"`
	Lines      []string     `json:"lines"`
	Changes    []FileChange `json:"changes"`
}

// Collect reads the root session, summarizes it, and follows up to
// MaxChildren spawned child sessions.
func (r *Reader) Collect(ctx context.Context, sessionID, agentID string, opts CollectOptions) (Activity, error) {
	if opts.RootLimit <= 0 {
		opts.RootLimit = DefaultRootLimit
	}
	if opts.ChildLimit <= 0 {
		opts.ChildLimit = DefaultChildLimit
	}
	if opts.MaxChildren <= 0 {
		opts.MaxChildren = DefaultMaxChildren
	}
	agentID = shared.FirstNonEmpty(agentID, shared.DefaultAgentID)

	root, err := r.ReadSession(sessionID, agentID, opts.RootLimit)
	if err != nil {
		return Activity{}, err
	}
	sum := Summarize(root.Events, SummarizeOptions{DefaultAgentID: agentID})
	act := Activity{
		Lines:   sum.Lines,
		Changes: ExtractFileChanges(root.Events, MemoryPathPrefix, MaxFileChanges),
	}
	for i, ref := range sum.Children {
		if i >= opts.MaxChildren {
			break
		}
		if err := ctx.Err(); err != nil {
			return act, err
		}
		child, err := r.ReadSession(ref.SessionID, ref.AgentID, opts.ChildLimit)
		if err != nil {
			continue
		}
		childAgent := shared.FirstNonEmpty(ref.AgentID, shared.DefaultAgentID)
		cs := Summarize(child.Events, SummarizeOptions{DefaultAgentID: childAgent})
		act.Children = append(act.Children, ChildActivity{
			AgentID:    ref.AgentID,
			SessionID:  ref.SessionID,
			SessionKey: ref.SessionKey,
			Lines:      cs.Lines,
			Changes:    ExtractFileChanges(child.Events, MemoryPathPrefix, MaxFileChanges),
		})
	}
	return act, nil
}
