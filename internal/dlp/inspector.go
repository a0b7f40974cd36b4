// Package dlp inspects outbound payloads for data that must not leave the
// sandbox: credentials, card numbers, personal data and sensitive paths.
package dlp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Severity ranks how damaging a leak of the category would be.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Pattern is one content matcher of the battery.
type Pattern struct {
	Category    string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Finding reports one matched category. Sample never contains the full
// matched text.
type Finding struct {
	Category   string `json:"category"`
	Severity   string `json:"severity"`
	MatchCount int    `json:"match_count"`
	Sample     string `json:"sample"`
}

// Inspector runs the pattern battery over payloads. It is safe for
// concurrent use.
type Inspector struct {
	patterns []Pattern
	key      []byte
}

// NewInspector creates an inspector with the default battery. Samples are
// keyed with a random per-inspector secret so equal matches correlate within
// one process but cannot be brute-forced from the audit trail.
func NewInspector() *Inspector {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("dlp: reading random key: %v", err))
	}
	return &Inspector{patterns: DefaultPatterns(), key: key}
}

// Patterns returns the battery in evaluation order.
func (i *Inspector) Patterns() []Pattern {
	out := make([]Pattern, len(i.patterns))
	copy(out, i.patterns)
	return out
}

// Inspect returns one finding per matched category. An empty result means
// the payload may proceed.
func (i *Inspector) Inspect(payload []byte) []Finding {
	if len(payload) == 0 {
		return nil
	}

	var findings []Finding
	for _, p := range i.patterns {
		matches := p.Regex.FindAll(payload, -1)
		if len(matches) == 0 {
			continue
		}
		findings = append(findings, Finding{
			Category:   p.Category,
			Severity:   p.Severity.String(),
			MatchCount: len(matches),
			Sample:     i.redact(matches[0]),
		})
	}

	if len(findings) > 0 {
		log.Warn().
			Strs("categories", Categories(findings)).
			Int("payload_bytes", len(payload)).
			Msg("sensitive data detected in outbound payload")
	}
	return findings
}

// redact keeps at most a quarter of the match (capped at six bytes) and
// appends a keyed digest.
func (i *Inspector) redact(match []byte) string {
	keep := len(match) / 4
	if keep > 6 {
		keep = 6
	}
	mac := hmac.New(sha256.New, i.key)
	mac.Write(match)
	digest := hex.EncodeToString(mac.Sum(nil))[:12]
	return fmt.Sprintf("%s…[%d chars, hmac:%s]", match[:keep], len(match), digest)
}

// Categories lists the categories of the findings in order.
func Categories(findings []Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Category
	}
	return out
}

// Summary renders the findings for an error message shown to the sandboxed
// code.
func Summary(findings []Finding) string {
	return "sensitive data detected: " + strings.Join(Categories(findings), ", ")
}

// DefaultPatterns returns the fixed battery. It errs toward false positives.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Category:    "anthropic_api_key",
			Description: "Anthropic API key",
			Regex:       regexp.MustCompile(`sk-ant-api[0-9a-zA-Z\-]{20,}`),
			Severity:    SeverityCritical,
		},
		{
			Category:    "openai_api_key",
			Description: "OpenAI API key",
			Regex:       regexp.MustCompile(`sk-[a-zA-Z0-9]{40,}`),
			Severity:    SeverityCritical,
		},
		{
			Category:    "aws_access_key",
			Description: "AWS access key ID",
			Regex:       regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
			Severity:    SeverityCritical,
		},
		{
			Category:    "base64_blob",
			Description: "Encoded high-entropy blob",
			Regex:       regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`),
			Severity:    SeverityLow,
		},
		{
			Category:    "credit_card",
			Description: "Payment card number",
			Regex:       regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
			Severity:    SeverityHigh,
		},
		{
			Category:    "password_assignment",
			Description: "Password assignment",
			Regex:       regexp.MustCompile(`(?i)password\s*[=:]\s*["']?[^\s"']{4,}`),
			Severity:    SeverityHigh,
		},
		{
			Category:    "email_address",
			Description: "Email address",
			Regex:       regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
			Severity:    SeverityMedium,
		},
		{
			Category:    "sensitive_path",
			Description: "Sensitive system file path",
			Regex:       regexp.MustCompile(`(?i)/etc/(passwd|shadow|hosts|ssh)`),
			Severity:    SeverityMedium,
		},
	}
}
