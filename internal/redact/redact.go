// Package redact masks secret-shaped strings in outbound JSON payloads and
// captured child process output. Unlike the teacher's key-name based
// approach (internal/audit/redact.go, which matches field names like
// "token" or "password"), this package matches the *shape* of the value
// itself, since tool arguments and child stdout carry secrets under
// arbitrary field names.
package redact

import (
	"regexp"
	"strings"
)

// Pattern is a named regular expression with a replacement placeholder.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Placeholder string
}

// defaultPatterns mirrors spec.md §4.5: provider-prefixed API tokens,
// unconditional since their prefixes are already low-false-positive.
// The generic long-hex/alphanumeric heuristic is handled separately by
// genericSecretPattern/contextKeywords, since spec.md §4.5 only flags it
// "near a credential keyword", not for any 32+ char run.
func defaultPatterns(placeholder string) []Pattern {
	raw := []struct {
		name string
		expr string
	}{
		{"github_pat", `ghp_[A-Za-z0-9]{36}`},
		{"github_fine_pat", `github_pat_[A-Za-z0-9_]{22,}`},
		{"openai_key", `sk-[A-Za-z0-9]{20,}`},
		{"slack_token", `xox[baprs]-[A-Za-z0-9-]{10,}`},
		{"aws_access_key", `AKIA[0-9A-Z]{16}`},
	}
	out := make([]Pattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, Pattern{
			Name:        r.name,
			Regex:       regexp.MustCompile(r.expr),
			Placeholder: placeholder,
		})
	}
	return out
}

// genericSecretPattern matches a bare long alphanumeric run, the shape of
// an opaque token or hash with no recognizable provider prefix.
var genericSecretPattern = regexp.MustCompile(`[A-Za-z0-9_\-]{32,}`)

// contextKeywords gates genericSecretPattern per spec.md §4.5: a long
// alphanumeric run is only secret-shaped when it sits near a credential
// keyword, not on its own (a git commit hash or a UUID is also 32+ chars).
var contextKeywords = regexp.MustCompile(`(?i)(token|secret|password|passwd|credential|api[_-]?key|auth|bearer|private[_-]?key)`)

// contextWindow is how many characters on either side of a generic match
// are scanned for a keyword.
const contextWindow = 40

// Redactor walks JSON-decoded values and masks matches of its patterns.
type Redactor struct {
	patterns    []Pattern
	placeholder string
	// scan gates whether RedactValue/RedactString do anything at all. A
	// Redactor built with scan=false is a pass-through, wired from
	// cfg.SecretsScan=false (spec.md §6's `--secrets-scan=false`) for
	// workspaces that have already vetted their tool output and don't
	// want the latency/false-positive cost of pattern scanning.
	scan bool
}

// New builds a Redactor with the default pattern set plus any
// user-supplied patterns from the workspace config file, all sharing the
// configured placeholder unless a pattern names its own. scan=false turns
// every Redact call into a no-op pass-through.
func New(placeholder string, extra []ExtraPattern, scan bool) *Redactor {
	if placeholder == "" {
		placeholder = "***REDACTED***"
	}
	patterns := defaultPatterns(placeholder)
	for _, e := range extra {
		re, err := regexp.Compile(e.Regex)
		if err != nil {
			continue
		}
		patterns = append(patterns, Pattern{Name: e.Name, Regex: re, Placeholder: placeholder})
	}
	return &Redactor{patterns: patterns, placeholder: placeholder, scan: scan}
}

// ExtraPattern is a user-configured pattern sourced from the workspace
// config file's [secrets] patterns list.
type ExtraPattern struct {
	Name  string
	Regex string
}

// markedKey is the sentinel the redactor attaches to any JSON object that
// had at least one field redacted beneath it, per spec.md §4.5's
// "annotates the containing object with redacted: true".
const markedKey = "redacted"

// RedactValue walks v (the result of json.Unmarshal into interface{})
// recursively and returns a new value with every string field matching a
// pattern replaced by its placeholder. Maps that receive a redaction are
// annotated with redacted:true. Arrays and scalars pass through
// unmodified except for their own string match.
func (r *Redactor) RedactValue(v interface{}) interface{} {
	if !r.scan {
		return v
	}
	out, _ := r.walk(v)
	return out
}

// walk returns the transformed value and whether anything inside it was
// redacted.
func (r *Redactor) walk(v interface{}) (interface{}, bool) {
	return r.walkKeyed(v, "")
}

// walkKeyed is walk with the enclosing JSON object key (if any) threaded
// through, so the generic_secret heuristic can treat a key name like
// "api_key" or "session_token" as context even when the value string
// itself carries no nearby keyword.
func (r *Redactor) walkKeyed(v interface{}, key string) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		redacted, hit := r.redactString(t, contextKeywords.MatchString(key))
		return redacted, hit
	case map[string]interface{}:
		anyHit := false
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if k == "prev_mac" || k == "mac" {
				out[k] = val
				continue
			}
			nv, hit := r.walkKeyed(val, k)
			out[k] = nv
			if hit {
				anyHit = true
			}
		}
		if anyHit {
			out[markedKey] = true
		}
		return out, anyHit
	case []interface{}:
		anyHit := false
		out := make([]interface{}, len(t))
		for i, val := range t {
			nv, hit := r.walkKeyed(val, key)
			out[i] = nv
			if hit {
				anyHit = true
			}
		}
		return out, anyHit
	default:
		return v, false
	}
}

// RedactString applies every pattern to s, plus the context-gated
// generic_secret heuristic (see redactString), returning the masked
// string and whether anything matched. Idempotent: a string consisting
// entirely of placeholders matches no further pattern (placeholders are
// short, punctuated strings that fail the default patterns' shape
// requirements).
func (r *Redactor) RedactString(s string) (string, bool) {
	if !r.scan {
		return s, false
	}
	return r.redactString(s, false)
}

// redactString is RedactString with an extra keyHasContext flag: when
// true (the value's JSON key itself looked like a credential field, e.g.
// "api_key"), every generic_secret-shaped run in s is treated as secret
// regardless of nearby keywords. Otherwise a generic_secret match is only
// masked when a credential keyword appears within contextWindow chars of
// it (spec.md §4.5: "flagged by context keywords"), so a bare commit hash
// or UUID with no such keyword nearby passes through untouched.
func (r *Redactor) redactString(s string, keyHasContext bool) (string, bool) {
	hit := false
	for _, p := range r.patterns {
		if p.Regex.MatchString(s) {
			s = p.Regex.ReplaceAllString(s, p.Placeholder)
			hit = true
		}
	}

	s, genericHit := r.redactGeneric(s, keyHasContext)
	if genericHit {
		hit = true
	}
	return s, hit
}

// redactGeneric applies genericSecretPattern to s, masking only matches
// that are either covered by keyHasContext or sit within contextWindow
// characters of a contextKeywords hit; every other match is left intact.
func (r *Redactor) redactGeneric(s string, keyHasContext bool) (string, bool) {
	matches := genericSecretPattern.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s, false
	}

	hit := false
	var b strings.Builder
	last := 0
	for _, loc := range matches {
		start, end := loc[0], loc[1]

		windowStart := start - contextWindow
		if windowStart < 0 {
			windowStart = 0
		}
		windowEnd := end + contextWindow
		if windowEnd > len(s) {
			windowEnd = len(s)
		}

		b.WriteString(s[last:start])
		if keyHasContext || contextKeywords.MatchString(s[windowStart:windowEnd]) {
			b.WriteString(r.placeholder)
			hit = true
		} else {
			b.WriteString(s[start:end])
		}
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), hit
}
