// Package sanitizer normalizes and validates message text and device
// identifiers per spec §4.1. Operations are pure and deterministic.
package sanitizer

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"meshtalk/internal/config"
)

var controlChars = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f-\x9f]")

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<\s*iframe`),
	regexp.MustCompile(`(?i)<\s*object`),
	regexp.MustCompile(`(?i)<\s*embed`),
	regexp.MustCompile(`(?i)<\s*form`),
	regexp.MustCompile(`(?i)data\s*:`),
}

var collapseSpaces = regexp.MustCompile(` +`)

const unknownDeviceName = "Unknown Device"

// Sanitizer sanitizes and validates message content, device names, and
// addresses. It is configured once with the security/message knobs and is
// safe for concurrent use (all operations are pure over their input).
type Sanitizer struct {
	enabled          bool
	maxContentLength int
	maxMessageSize   int
	blockedPatterns  []string
}

// New builds a Sanitizer from config.
func New(cfg *config.Config) *Sanitizer {
	return &Sanitizer{
		enabled:          cfg.Security.EnableInputSanitization,
		maxContentLength: cfg.Message.MaxContentLength,
		maxMessageSize:   cfg.Message.MaxMessageSize,
		blockedPatterns:  cfg.Security.BlockedPatterns,
	}
}

// Sanitize normalizes, strips, neutralizes, escapes, and truncates text per
// spec §4.1. HTML entities already present are decoded first, so escaping
// is applied exactly once. It is idempotent: Sanitize(Sanitize(s)) == Sanitize(s).
func (s *Sanitizer) Sanitize(content string) string {
	if !s.enabled || content == "" {
		return content
	}

	content = html.UnescapeString(content)
	content = norm.NFC.String(content)
	content = s.removeControlChars(content)
	content = s.filterDangerousPatterns(content)
	content = html.EscapeString(content)
	content = s.trimAndLimit(content)

	return content
}

func (s *Sanitizer) removeControlChars(content string) string {
	content = controlChars.ReplaceAllString(content, " ")
	return collapseSpaces.ReplaceAllString(content, " ")
}

func (s *Sanitizer) filterDangerousPatterns(content string) string {
	for _, p := range dangerousPatterns {
		content = p.ReplaceAllString(content, "[blocked]")
	}
	return content
}

func (s *Sanitizer) trimAndLimit(content string) string {
	content = strings.TrimSpace(content)

	runes := []rune(content)
	if len(runes) > s.maxContentLength {
		truncated := string(runes[:s.maxContentLength])
		if lastSpace := strings.LastIndex(truncated, " "); lastSpace > int(float64(s.maxContentLength)*0.8) {
			truncated = truncated[:lastSpace]
		}
		content = truncated
	}

	return content
}

// Validate checks sanitized content against the content rules of spec §4.1.
// It returns ("", true) on success or (reason, false) on failure.
func (s *Sanitizer) Validate(content string) (reason string, ok bool) {
	if content == "" {
		return "message content cannot be empty", false
	}

	if runeLen := len([]rune(content)); runeLen > s.maxContentLength {
		return "message exceeds maximum content length", false
	}

	if len(content) > s.maxMessageSize {
		return "message exceeds maximum encoded size", false
	}

	if s.enabled {
		for _, p := range dangerousPatterns {
			if p.MatchString(content) {
				return "message contains blocked content", false
			}
		}
	}

	lower := strings.ToLower(content)
	for _, blocked := range s.blockedPatterns {
		if blocked == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return "message contains blocked content", false
		}
	}

	return "", true
}

// SanitizeAndValidate runs Sanitize then Validate in one call.
func (s *Sanitizer) SanitizeAndValidate(content string) (sanitized string, reason string, ok bool) {
	sanitized = s.Sanitize(content)
	reason, ok = s.Validate(sanitized)
	return sanitized, reason, ok
}

// SanitizeDeviceName strips control characters and HTML-escapes a device
// display name, falling back to "Unknown Device" when empty.
func SanitizeDeviceName(name string) string {
	if name == "" {
		return unknownDeviceName
	}

	name = controlChars.ReplaceAllString(name, "")
	name = html.EscapeString(name)

	runes := []rune(name)
	if len(runes) > 50 {
		name = string(runes[:50])
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return unknownDeviceName
	}
	return name
}

var addressAllowed = regexp.MustCompile(`[^0-9A-Fa-f:\-]`)

// SanitizeAddress restricts an address to hex digits, colons, and hyphens,
// capped at 50 characters.
func SanitizeAddress(address string) string {
	if address == "" {
		return ""
	}

	address = addressAllowed.ReplaceAllString(address, "")

	runes := []rune(address)
	if len(runes) > 50 {
		address = string(runes[:50])
	}
	return address
}
