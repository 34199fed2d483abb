package sandbox

import (
	"regexp"
	"strings"
)

const redactedMarker = "[REDACTED]"

// keyPatterns match the shapes of provider credentials that could leak
// through command output, e.g. a key committed into the jailed repo.
var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),                 // OpenAI-style
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),             // Anthropic
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                      // AWS access key id
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),            // GitHub tokens
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+`), // JWT prefix
	regexp.MustCompile(`0x[0-9a-fA-F]{64}`),                     // raw 32-byte hex secrets
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`), // auth headers
}

// Redactor scrubs known secret values and credential-shaped strings
// from sandbox output.
type Redactor struct {
	known []string
}

// NewRedactor registers the literal secret values the process holds
// (API keys, HMAC secrets) so they can never echo back verbatim.
func NewRedactor(knownSecrets ...string) *Redactor {
	var known []string
	for _, s := range knownSecrets {
		if len(s) >= 8 { // too-short values would shred ordinary text
			known = append(known, s)
		}
	}
	return &Redactor{known: known}
}

// Scrub replaces known secrets and pattern matches with the marker.
func (r *Redactor) Scrub(s string) string {
	for _, secret := range r.known {
		s = strings.ReplaceAll(s, secret, redactedMarker)
	}
	for _, re := range keyPatterns {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return s
}
