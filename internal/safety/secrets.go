package safety

import (
	"regexp"
)

var secretRules = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?(-----END\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`), "private key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key"},
	{regexp.MustCompile(`sk-(ant-|or-|proj-)?[A-Za-z0-9_\-]{20,}`), "api key"},
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`), "telegram bot token"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|token|secret)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "credential"},
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// MaskSecrets replaces credential-looking substrings with a typed
// placeholder and reports how many it replaced.
func MaskSecrets(s string) (string, int) {
	if s == "" {
		return s, 0
	}
	n := 0
	for _, r := range secretRules {
		s = r.re.ReplaceAllStringFunc(s, func(string) string {
			n++
			return "[REDACTED " + r.kind + "]"
		})
	}
	return s, n
}

// MaskLines applies MaskSecrets to every line in place and returns the
// total number of replacements.
func MaskLines(lines []string) int {
	total := 0
	for i, line := range lines {
		masked, n := MaskSecrets(line)
		if n > 0 {
			lines[i] = masked
			total += n
		}
	}
	return total
}
