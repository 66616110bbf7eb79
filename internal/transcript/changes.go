package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskvisor/internal/shared"
	"github.com/tidwall/gjson"
)

const (
	MemoryPathPrefix = "memory/"
	MaxFileChanges   = 50

	maxPreviewChars = 2000
	maxDiffChars    = 4000
)

// FileChange is a write or edit tool call against a tracked path.
type FileChange struct {
	Ts      *time.Time `json:"ts,omitempty"`
	Tool    string     `json:"tool"`
	Path    string     `json:"path"`
	Summary string     `json:"summary"`
	Preview string     `json:"preview,omitempty"`
	Diff    string     `json:"diff,omitempty"`
}

// ExtractFileChanges lists write/edit tool calls whose path starts with
// prefix, oldest first, at most maxItems.
func ExtractFileChanges(events []gjson.Result, prefix string, maxItems int) []FileChange {
	if maxItems <= 0 {
		maxItems = MaxFileChanges
	}
	var out []FileChange
	for _, ev := range events {
		content := ev.Get("message.content")
		if !content.IsArray() {
			continue
		}
		var ts *time.Time
		if t := eventTime(ev); !t.IsZero() {
			ts = &t
		}
		for _, part := range content.Array() {
			if firstString(part, "type", "kind") != "toolCall" {
				continue
			}
			name := strings.TrimSpace(firstString(part, "name", "tool", "toolName"))
			if name != "write" && name != "edit" {
				continue
			}
			args := toolArgs(part.Get("arguments"))
			path := stringField(args, "path", "file_path", "filePath", "target", "to")
			if path == "" || (prefix != "" && !strings.HasPrefix(path, prefix)) {
				continue
			}
			change := FileChange{Ts: ts, Tool: name, Path: path}
			if name == "write" {
				body := stringField(args, "content", "text", "data")
				change.Summary = fmt.Sprintf("write %s (%d chars)", path, len([]rune(body)))
				change.Preview = shared.Clip(body, maxPreviewChars)
			} else {
				change.Summary = "edit " + path
				change.Diff = shared.Clip(editDiff(args), maxDiffChars)
			}
			out = append(out, change)
			if len(out) >= maxItems {
				return out
			}
		}
	}
	return out
}

// toolArgs accepts arguments given as an object or as a JSON string.
func toolArgs(v gjson.Result) gjson.Result {
	if v.Type == gjson.String {
		if raw, ok := shared.ParseLoose(v.String()); ok {
			if r := gjson.ParseBytes(raw); r.IsObject() {
				return r
			}
		}
		return gjson.Result{}
	}
	if v.IsObject() {
		return v
	}
	return gjson.Result{}
}

func stringField(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func editDiff(args gjson.Result) string {
	if patch := stringField(args, "patch", "input"); strings.TrimSpace(patch) != "" {
		return patch
	}
	oldV := firstPresent(args, "oldText", "old_text", "before", "old")
	newV := firstPresent(args, "newText", "new_text", "after", "new")
	if oldV.Type != gjson.String && newV.Type != gjson.String {
		return ""
	}
	return UnifiedDiff(oldV.String(), newV.String(), 2, 120)
}

func firstPresent(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// UnifiedDiff renders a single-hunk diff: the common prefix and suffix are
// trimmed and up to context lines of each are shown around the change.
func UnifiedDiff(oldText, newText string, context, maxLines int) string {
	a := splitLines(oldText)
	b := splitLines(newText)
	start := 0
	for start < len(a) && start < len(b) && a[start] == b[start] {
		start++
	}
	endA, endB := len(a)-1, len(b)-1
	for endA >= start && endB >= start && a[endA] == b[endB] {
		endA--
		endB--
	}
	before := a[max(0, start-context):start]
	after := a[endA+1 : min(len(a), endA+1+context)]
	removed := a[start : endA+1]
	added := b[start : endB+1]

	out := []string{fmt.Sprintf("@@ -%d,%d +%d,%d @@", start+1, len(removed), start+1, len(added))}
	for _, l := range before {
		out = append(out, " "+l)
	}
	for _, l := range removed {
		out = append(out, "-"+l)
	}
	for _, l := range added {
		out = append(out, "+"+l)
	}
	for _, l := range after {
		out = append(out, " "+l)
	}
	if maxLines > 0 && len(out) > maxLines {
		out = out[:maxLines]
	}
	return strings.Join(out, "\n")
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
