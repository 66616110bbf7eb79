// Package safety screens agent transcripts before they reach the
// supervisor model. Transcript text is written by the agent under review,
// so it is treated as untrusted input.
package safety

import (
	"regexp"
	"strings"
)

// Severity ranks a finding.
type Severity int

const (
	SeverityNone Severity = iota
	// SeverityWarn marks text that looks like an injection marker.
	SeverityWarn
	// SeverityHigh marks text that tries to steer the supervisor.
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

type injectionRule struct {
	re       *regexp.Regexp
	severity Severity
	reason   string
}

var injectionRules = []injectionRule{
	{
		re:       regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		severity: SeverityHigh,
		reason:   "asks the reader to ignore previous instructions",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		severity: SeverityHigh,
		reason:   "tries to override the reader's role",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		severity: SeverityHigh,
		reason:   "claims to replace the system prompt",
	},
	{
		// Aimed at the supervisor's own verdict.
		re:       regexp.MustCompile(`(?i)\b(supervisor|oracle|reviewer)\b.{0,40}\b(mark|set|decide|respond)\b.{0,30}\b(completed|complete|done|success)\b`),
		severity: SeverityHigh,
		reason:   "tells the supervisor which decision to return",
	},
	{
		re:       regexp.MustCompile(`(?i)"decision"\s*:\s*"(completed|retry|failed|review)"`),
		severity: SeverityWarn,
		reason:   "contains a pre-written decision object",
	},
	{
		re:       regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		severity: SeverityWarn,
		reason:   "contains a [SYSTEM] tag",
	},
	{
		re:       regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		severity: SeverityWarn,
		reason:   "contains a chat template tag",
	},
}

// Finding is one suspicious transcript line.
type Finding struct {
	Line     int      `json:"line"`
	Severity Severity `json:"-"`
	Level    string   `json:"severity"`
	Reason   string   `json:"reason"`
}

// CheckText returns the most severe rule text matches, or SeverityNone.
func CheckText(text string) (Severity, string) {
	if strings.TrimSpace(text) == "" {
		return SeverityNone, ""
	}
	best, reason := SeverityNone, ""
	for _, r := range injectionRules {
		if r.severity > best && r.re.MatchString(text) {
			best, reason = r.severity, r.reason
		}
	}
	return best, reason
}

// ScanLines checks each line and returns at most max findings in line
// order. max <= 0 means no limit.
func ScanLines(lines []string, max int) []Finding {
	var out []Finding
	for i, line := range lines {
		sev, reason := CheckText(line)
		if sev == SeverityNone {
			continue
		}
		out = append(out, Finding{Line: i, Severity: sev, Level: sev.String(), Reason: reason})
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
