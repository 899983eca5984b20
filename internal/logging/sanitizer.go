package logging

import "regexp"

// Sanitizer redacts credentials from log output. Agent runtimes log model
// requests and tool output, either of which can echo a key back.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with the default pattern set.
func NewSanitizer() *Sanitizer {
	raw := []string{
		`sk-ant-[a-zA-Z0-9-]{40,}`, // Anthropic keys before the generic sk- rule
		`sk-[A-Za-z0-9]{20,}`,
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)password["'\s:=]+[^\s"']{8,}`,
	}
	compiled := make([]*regexp.Regexp, len(raw))
	for i, p := range raw {
		compiled[i] = regexp.MustCompile(p)
	}
	return &Sanitizer{patterns: compiled, redacted: "[REDACTED]"}
}

// Sanitize redacts all matched credentials from input.
func (s *Sanitizer) Sanitize(input string) string {
	out := input
	for _, p := range s.patterns {
		out = p.ReplaceAllString(out, s.redacted)
	}
	return out
}

// AddPattern registers an extra redaction pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
