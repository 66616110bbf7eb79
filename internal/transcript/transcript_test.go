package transcript

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func events(t *testing.T, lines ...string) []gjson.Result {
	t.Helper()
	var out []gjson.Result
	for _, l := range lines {
		ev, ok := ParseEvent(l)
		if !ok {
			t.Fatalf("bad fixture line: %s", l)
		}
		out = append(out, ev)
	}
	return out
}

func writeSession(t *testing.T, dir, agent, id string, lines ...string) {
	t.Helper()
	p := filepath.Join(dir, "agents", agent, "sessions", id+".jsonl")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSummarize_LinesAndThinking(t *testing.T) {
	evs := events(t,
		`{"timestamp":"2026-03-01T12:00:00Z","message":{"role":"user","content":"do the thing"}}`,
		`{"ts":1772366401000,"message":{"role":"assistant","content":[{"type":"thinking","thinking":"secret"},{"type":"text","text":"on it"},{"type":"toolCall","id":"c1","name":"exec","arguments":{"cmd":"ls"}}]}}`,
		`{"message":{"role":"system","content":"ignored"}}`,
	)
	sum := Summarize(evs, SummarizeOptions{})
	want := []string{
		"[2026-03-01T12:00:00.000Z] user: do the thing",
		"[2026-03-01T12:00:01.000Z] assistant: on it",
		`[2026-03-01T12:00:01.000Z] tool: exec {"cmd":"ls"}`,
	}
	if len(sum.Lines) != len(want) {
		t.Fatalf("lines = %q", sum.Lines)
	}
	for i := range want {
		if sum.Lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, sum.Lines[i], want[i])
		}
	}

	shown := Summarize(evs, SummarizeOptions{ShowThinking: true, HideToolArgs: true})
	if !strings.Contains(strings.Join(shown.Lines, "\n"), "thinking: secret") {
		t.Fatalf("thinking hidden: %q", shown.Lines)
	}
	if shown.Lines[len(shown.Lines)-1] != "[2026-03-01T12:00:01.000Z] tool: exec" {
		t.Fatalf("tool args not hidden: %q", shown.Lines)
	}
}

func TestSummarize_ClipsLongLines(t *testing.T) {
	long := strings.Repeat("x", 900)
	sum := Summarize(events(t, `{"message":{"role":"assistant","content":"`+long+`"}}`), SummarizeOptions{MaxLineLen: 100})
	if got := []rune(sum.Lines[0]); len(got) != 100 || got[99] != '…' {
		t.Fatalf("line not clipped: %d runes", len(got))
	}
}

func TestSummarize_ChildSessions(t *testing.T) {
	evs := events(t,
		`{"message":{"role":"assistant","content":[{"type":"toolCall","id":"s1","name":"sessions_spawn","arguments":{"agentId":"coder"}}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"toolResult","id":"s1","output":{"text":"spawned agent:coder:subagent:abc123"}}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"toolCall","id":"s2","name":"sessions_spawn","arguments":{"agent":"writer"}}]}}`,
		`{"message":{"role":"toolResult","toolCallId":"s2","content":"child 1b4e28ba-2fa1-11d2-883f-0016d3cca427 started"}}`,
		`{"message":{"role":"assistant","content":[{"type":"toolResult","id":"s1","output":"agent:coder:subagent:abc123 again"}]}}`,
	)
	sum := Summarize(evs, SummarizeOptions{})
	if len(sum.Children) != 2 {
		t.Fatalf("children = %+v", sum.Children)
	}
	if c := sum.Children[0]; c.AgentID != "coder" || c.SessionID != "abc123" || c.SessionKey != "agent:coder:subagent:abc123" {
		t.Fatalf("first child = %+v", c)
	}
	if c := sum.Children[1]; c.AgentID != "writer" || c.SessionID != "1b4e28ba-2fa1-11d2-883f-0016d3cca427" {
		t.Fatalf("second child = %+v", c)
	}
}

func TestParseSessionKey(t *testing.T) {
	if _, ok := ParseSessionKey("agent:main:tasks"); ok {
		t.Fatal("three-part key should be rejected")
	}
	ref, ok := ParseSessionKey("agent:ops:cron:job:run-7")
	if !ok || ref.AgentID != "ops" || ref.SessionID != "run-7" {
		t.Fatalf("ref = %+v ok=%v", ref, ok)
	}
	if got := AgentFromSessionKey("agent:ops:cron:x"); got != "ops" {
		t.Fatalf("agent = %q", got)
	}
	if got := AgentFromSessionKey("session-1"); got != "" {
		t.Fatalf("agent = %q", got)
	}
}

func TestExtractFileChanges(t *testing.T) {
	evs := events(t,
		`{"ts":1772366400000,"message":{"role":"assistant","content":[{"type":"toolCall","name":"write","arguments":{"path":"memory/notes.md","content":"hello"}},{"type":"toolCall","name":"write","arguments":{"path":"src/main.go","content":"x"}}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"toolCall","name":"edit","arguments":"{\"file_path\":\"memory/notes.md\",\"oldText\":\"a\\nb\\nc\",\"newText\":\"a\\nB\\nc\"}"}]}}`,
	)
	changes := ExtractFileChanges(evs, MemoryPathPrefix, 10)
	if len(changes) != 2 {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].Summary != "write memory/notes.md (5 chars)" || changes[0].Preview != "hello" || changes[0].Ts == nil {
		t.Fatalf("write change = %+v", changes[0])
	}
	want := "@@ -2,1 +2,1 @@\n a\n-b\n+B\n c"
	if changes[1].Tool != "edit" || changes[1].Diff != want {
		t.Fatalf("edit diff = %q", changes[1].Diff)
	}
}

func TestUnifiedDiff_Append(t *testing.T) {
	got := UnifiedDiff("one", "one\ntwo", 2, 120)
	if got != "@@ -2,0 +2,1 @@\n one\n+two" {
		t.Fatalf("diff = %q", got)
	}
}

func TestReader_FindsSessionAcrossAgents(t *testing.T) {
	dir := t.TempDir()
	writeSession(t, dir, "ops", "s1",
		`{"message":{"role":"user","content":"first"}}`,
		`garbage`,
		`log: {"message":{"role":"assistant","content":"second"}}`,
		`{"message":{"role":"assistant","content":"third"}}`,
	)
	r := NewReader(dir)
	s, err := r.ReadSession("s1", "main", 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if s.Total != 3 || len(s.Events) != 2 || !strings.Contains(s.Path, filepath.Join("agents", "ops")) {
		t.Fatalf("session = %+v", s)
	}
	if s.Events[0].Get("message.content").String() != "second" {
		t.Fatalf("tail start = %s", s.Events[0].Raw)
	}

	missing, err := r.ReadSession("nope", "main", 10)
	if err != nil || len(missing.Events) != 0 {
		t.Fatalf("missing session: %+v %v", missing, err)
	}
	if _, err := r.ReadSession("../../etc/passwd", "main", 10); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestReader_CollectFollowsChildren(t *testing.T) {
	dir := t.TempDir()
	writeSession(t, dir, "main", "root",
		`{"message":{"role":"assistant","content":[{"type":"toolCall","id":"s1","name":"sessions_spawn","arguments":{"agentId":"coder"}}]}}`,
		`{"message":{"role":"assistant","content":[{"type":"toolResult","id":"s1","output":"agent:coder:sub:kid"}]}}`,
		`{"message":{"role":"assistant","content":"root done"}}`,
	)
	writeSession(t, dir, "coder", "kid",
		`{"message":{"role":"assistant","content":[{"type":"toolCall","name":"write","arguments":{"path":"memory/k.md","content":"k"}}]}}`,
		`{"message":{"role":"assistant","content":"child done"}}`,
	)
	act, err := NewReader(dir).Collect(context.Background(), "root", "main", CollectOptions{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(act.Children) != 1 {
		t.Fatalf("children = %+v", act.Children)
	}
	child := act.Children[0]
	if child.AgentID != "coder" || len(child.Changes) != 1 || child.Lines[len(child.Lines)-1] != "assistant: child done" {
		t.Fatalf("child = %+v", child)
	}
	if act.Lines[len(act.Lines)-1] != "assistant: root done" {
		t.Fatalf("root lines = %q", act.Lines)
	}
}
