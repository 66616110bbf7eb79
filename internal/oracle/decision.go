// Package oracle asks an LLM supervisor what to do with a finished run and
// coerces whatever it answers into a Decision.
package oracle

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Verdict is the supervisor's next action for a task.
type Verdict string

const (
	VerdictRetry     Verdict = "retry"
	VerdictFailed    Verdict = "failed"
	VerdictCompleted Verdict = "completed"
	VerdictReview    Verdict = "review"
)

const (
	DefaultReason = "No reason provided"
	MaxNarration  = 30
)

// ParseVerdict coerces s to a Verdict. Unknown values report false and map
// to VerdictReview.
func ParseVerdict(s string) (Verdict, bool) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case VerdictRetry, VerdictFailed, VerdictCompleted, VerdictReview:
		return v, true
	}
	return VerdictReview, false
}

// Edits are the job store changes the supervisor asked for.
type Edits struct {
	NoDeliver bool  `json:"noDeliver"`
	Enabled   *bool `json:"enabled,omitempty"`
}

// Empty reports whether no edit was requested.
func (e Edits) Empty() bool {
	return !e.NoDeliver && e.Enabled == nil
}

type Decision struct {
	Verdict   Verdict  `json:"decision"`
	Reason    string   `json:"reason"`
	Narration []string `json:"narration,omitempty"`
	Edits     Edits    `json:"edits"`
	// SchemaWarning is set when the reply parsed but did not match the
	// decision schema. The decision is still usable.
	SchemaWarning string `json:"-"`
}

// verdictOf reads the verdict of a reply object from "decision", falling
// back to "status".
func verdictOf(r gjson.Result) (Verdict, bool) {
	text := r.Get("decision").String()
	if strings.TrimSpace(text) == "" {
		text = r.Get("status").String()
	}
	return ParseVerdict(text)
}

// Normalize builds a Decision from any JSON value. The verdict is read from
// "decision" or "status"; missing or unknown values become review, a blank
// reason becomes DefaultReason, narration keeps at most MaxNarration
// non-blank strings, and only a literal true sets noDeliver.
func Normalize(raw []byte) Decision {
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		r = gjson.Result{}
	}
	verdict, _ := verdictOf(r)

	d := Decision{Verdict: verdict, Reason: DefaultReason}
	if reason := r.Get("reason"); reason.Type == gjson.String && strings.TrimSpace(reason.String()) != "" {
		d.Reason = strings.TrimSpace(reason.String())
	}
	if n := r.Get("narration"); n.IsArray() {
		for _, item := range n.Array() {
			if item.Type == gjson.Null {
				continue
			}
			line := strings.TrimSpace(item.String())
			if line == "" {
				continue
			}
			d.Narration = append(d.Narration, line)
			if len(d.Narration) == MaxNarration {
				break
			}
		}
	}
	if edits := r.Get("edits"); edits.IsObject() {
		d.Edits.NoDeliver = edits.Get("noDeliver").Type == gjson.True
		switch edits.Get("enabled").Type {
		case gjson.True:
			on := true
			d.Edits.Enabled = &on
		case gjson.False:
			off := false
			d.Edits.Enabled = &off
		}
	}
	return d
}
