// Package vocab rewrites optimizer-internal terms into the public vocabulary
// before they leave the process through insights or logs.
package vocab

import (
	"regexp"
	"strings"
)

// replacements maps internal terms to their public names.
var replacements = map[string]string{
	"alpha":    "success_count",
	"beta":     "failure_count",
	"thompson": "adaptive",
	"epsilon":  "exploration",
	"ucb":      "confidence",
	"bandit":   "optimizer",
}

var termPattern = regexp.MustCompile(`(?i)alpha|beta|thompson|epsilon|ucb|bandit`)

// Forbidden returns the internal terms that must never be emitted.
func Forbidden() []string {
	out := make([]string, 0, len(replacements))
	for k := range replacements {
		out = append(out, k)
	}
	return out
}

// Sanitize replaces every internal term in s, case-insensitively.
func Sanitize(s string) string {
	if !termPattern.MatchString(s) {
		return s
	}
	return termPattern.ReplaceAllStringFunc(s, func(m string) string {
		return replacements[strings.ToLower(m)]
	})
}

// Contains reports whether s holds any internal term.
func Contains(s string) bool {
	return termPattern.MatchString(s)
}

// SanitizeMap returns a deep copy of m with keys and string values rewritten.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[Sanitize(k)] = SanitizeValue(v)
	}
	return out
}

// SanitizeValue rewrites strings nested anywhere inside v.
func SanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return Sanitize(t)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = Sanitize(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = SanitizeValue(e)
		}
		return out
	case map[string]any:
		return SanitizeMap(t)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = SanitizeMap(e)
		}
		return out
	case map[string]float64:
		out := make(map[string]float64, len(t))
		for k, f := range t {
			out[Sanitize(k)] = f
		}
		return out
	case map[string]int:
		out := make(map[string]int, len(t))
		for k, n := range t {
			out[Sanitize(k)] = n
		}
		return out
	default:
		return v
	}
}
