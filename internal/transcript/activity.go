package transcript

import (
	"regexp"
	"strings"
	"time"

	"github.com/basket/taskvisor/internal/shared"
	"github.com/tidwall/gjson"
)

const (
	DefaultMaxLineLen = 500
	MaxActivityLines  = 800
)

var (
	sessionKeyRe = regexp.MustCompile(`agent:[^:\s"]+:[^:\s"]+:[^:\s"]+`)
	uuidRe       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// ChildRef identifies a session spawned by sessions_spawn.
type ChildRef struct {
	AgentID    string `json:"agentId"`
	SessionID  string `json:"sessionId"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// ParseSessionKey splits "agent:<agent>:<...>:<session>" keys. Keys with
// fewer than four parts are rejected.
func ParseSessionKey(key string) (ChildRef, bool) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "agent:") {
		return ChildRef{}, false
	}
	parts := strings.Split(key, ":")
	if len(parts) < 4 || parts[1] == "" || parts[len(parts)-1] == "" {
		return ChildRef{}, false
	}
	return ChildRef{AgentID: parts[1], SessionID: parts[len(parts)-1], SessionKey: key}, true
}

// AgentFromSessionKey returns the agent segment of "agent:<id>:..." or "".
func AgentFromSessionKey(key string) string {
	if !strings.HasPrefix(key, "agent:") {
		return ""
	}
	rest := key[len("agent:"):]
	i := strings.IndexByte(rest, ':')
	if i <= 0 {
		return ""
	}
	return rest[:i]
}

type SummarizeOptions struct {
	// ShowThinking includes thinking blocks, which are hidden by default.
	ShowThinking bool
	// HideToolArgs drops tool call arguments from tool lines.
	HideToolArgs   bool
	MaxLineLen     int
	DefaultAgentID string
}

type Summary struct {
	Lines    []string
	Children []ChildRef
}

type toolCall struct {
	name  string
	agent string
}

type summarizer struct {
	opts     SummarizeOptions
	lines    []string
	calls    map[string]toolCall
	children []ChildRef
	seen     map[string]bool
}

// Summarize turns transcript events into "[ts] role: text" and
// "[ts] tool: name args" lines, keeping the last MaxActivityLines, and
// collects child sessions announced by sessions_spawn results.
func Summarize(events []gjson.Result, opts SummarizeOptions) Summary {
	if opts.MaxLineLen <= 0 {
		opts.MaxLineLen = DefaultMaxLineLen
	}
	if opts.DefaultAgentID == "" {
		opts.DefaultAgentID = shared.DefaultAgentID
	}
	s := &summarizer{opts: opts, calls: map[string]toolCall{}, seen: map[string]bool{}}

	for _, ev := range events {
		msg := ev.Get("message")
		if !msg.Exists() {
			continue
		}
		role := msg.Get("role").String()
		prefix := tsPrefix(eventTime(ev))
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			if role == "assistant" || role == "user" {
				s.push(prefix + role + ": " + content.String())
			}
		case content.IsArray():
			for _, part := range content.Array() {
				s.part(prefix, role, part)
			}
		case content.IsObject():
			s.part(prefix, role, content)
		}
	}

	// Tool results stored as standalone tool-role messages.
	for _, ev := range events {
		msg := ev.Get("message")
		switch msg.Get("role").String() {
		case "tool", "toolResult", "tool_result":
		default:
			continue
		}
		id := firstString(msg, "toolCallId", "tool_call_id")
		if id == "" {
			id = ev.Get("toolCallId").String()
		}
		if call, ok := s.calls[id]; ok && call.name == "sessions_spawn" {
			s.collectChildren(msg.Get("content"), call.agent)
		}
	}

	lines := s.lines
	if len(lines) > MaxActivityLines {
		lines = lines[len(lines)-MaxActivityLines:]
	}
	return Summary{Lines: lines, Children: s.children}
}

func (s *summarizer) push(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	s.lines = append(s.lines, shared.Clip(line, s.opts.MaxLineLen))
}

func (s *summarizer) part(prefix, role string, part gjson.Result) {
	if !part.IsObject() {
		return
	}
	switch firstString(part, "type", "kind") {
	case "thinking":
		if s.opts.ShowThinking {
			s.push(prefix + "thinking: " + part.Get("thinking").String())
		}
	case "text":
		if t := part.Get("text"); t.Type == gjson.String {
			s.push(prefix + shared.FirstNonEmpty(role, "assistant") + ": " + t.String())
		}
	case "toolCall":
		name := firstString(part, "name", "tool", "toolName")
		id := firstString(part, "id", "callId", "toolCallId")
		args := part.Get("arguments")
		if id != "" {
			call := toolCall{name: name}
			if name == "sessions_spawn" && args.IsObject() {
				call.agent = firstString(args, "agentId", "agent")
			}
			s.calls[id] = call
		}
		line := prefix + "tool: " + shared.FirstNonEmpty(name, "unknown")
		if !s.opts.HideToolArgs && args.Exists() {
			line += " " + args.Raw
		}
		s.push(line)
	case "toolResult", "tool_result":
		id := firstString(part, "id", "callId", "toolCallId")
		call, ok := s.calls[id]
		if !ok || call.name != "sessions_spawn" {
			return
		}
		payload := part
		for _, k := range []string{"output", "result", "value", "content"} {
			if v := part.Get(k); v.Exists() {
				payload = v
				break
			}
		}
		s.collectChildren(payload, call.agent)
	}
}

// collectChildren prefers full session keys; bare UUIDs are attributed to the
// spawn call's target agent.
func (s *summarizer) collectChildren(payload gjson.Result, spawnAgent string) {
	found := false
	walkStrings(payload, func(v string) {
		for _, k := range sessionKeyRe.FindAllString(v, -1) {
			if ref, ok := ParseSessionKey(k); ok {
				found = true
				s.addChild(ref)
			}
		}
	})
	if found {
		return
	}
	agent := shared.FirstNonEmpty(spawnAgent, s.opts.DefaultAgentID)
	walkStrings(payload, func(v string) {
		for _, id := range uuidRe.FindAllString(v, -1) {
			s.addChild(ChildRef{AgentID: agent, SessionID: id})
		}
	})
}

func (s *summarizer) addChild(ref ChildRef) {
	key := ref.AgentID + ":" + ref.SessionID
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.children = append(s.children, ref)
}

func walkStrings(r gjson.Result, fn func(string)) {
	switch {
	case r.Type == gjson.String:
		fn(r.String())
	case r.IsArray() || r.IsObject():
		r.ForEach(func(_, v gjson.Result) bool {
			walkStrings(v, fn)
			return true
		})
	}
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// eventTime reads "timestamp" or "ts" as RFC 3339 text or epoch millis.
func eventTime(ev gjson.Result) time.Time {
	for _, k := range []string{"timestamp", "ts"} {
		v := ev.Get(k)
		switch v.Type {
		case gjson.Number:
			if ms := v.Int(); ms > 0 {
				return time.UnixMilli(ms).UTC()
			}
		case gjson.String:
			if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func tsPrefix(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return "[" + t.Format("2006-01-02T15:04:05.000Z") + "] "
}
