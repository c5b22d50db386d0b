package coerce

import (
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// enumSeparators mark the start of a trailing annotation on an enum value.
// "HIGH (90%)", "MEDIUM - tentative" and "LOW: weak signal" all reduce to
// their first token.
const enumSeparators = " -(:"

// Enum coerces v into a member of allowed. The result is always a member of
// allowed (or def when allowed is empty). Matching order: exact, synonym
// table, prefix/substring partial match, default.
//
// def must itself be a member of allowed; if it is not, the first member is
// used so the domain guarantee holds regardless of caller mistakes.
func Enum(v any, allowed []string, def string, synonyms map[string]string, res *Result) string {
	def = safeDefault(allowed, def)
	if len(allowed) == 0 {
		return def
	}
	if v == nil {
		res.flag("enum: nil value, using default %q", def)
		return def
	}

	s, isString := v.(string)
	if !isString {
		s = Stringify(v)
		res.flag("enum: non-string value %q", s)
	}

	norm := strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexAny(norm, enumSeparators); i >= 0 {
		norm = norm[:i]
	}
	norm = strings.TrimSpace(norm)
	if norm == "" {
		res.flag("enum: empty value, using default %q", def)
		return def
	}

	// Exact match.
	for _, a := range allowed {
		if norm == a {
			if norm != s {
				res.flag("enum: normalized %q to %q", s, a)
			}
			return a
		}
	}

	// Synonym table.
	if canonical, ok := synonyms[norm]; ok {
		canonical = strings.ToUpper(canonical)
		for _, a := range allowed {
			if canonical == a {
				res.flag("enum: mapped synonym %q to %q", s, a)
				return a
			}
		}
	}

	// Partial match: prefix first, then substring, in allowed-set order.
	for _, a := range allowed {
		if strings.HasPrefix(a, norm) || strings.HasPrefix(norm, a) {
			res.flag("enum: partial-matched %q to %q", s, a)
			return a
		}
	}
	for _, a := range allowed {
		if strings.Contains(a, norm) || strings.Contains(norm, a) {
			res.flag("enum: partial-matched %q to %q", s, a)
			return a
		}
	}

	res.flag("enum: unrecognized value %q, using default %q", s, def)
	return def
}

func safeDefault(allowed []string, def string) string {
	for _, a := range allowed {
		if a == def {
			return def
		}
	}
	if len(allowed) > 0 {
		return allowed[0]
	}
	return def
}

var (
	fractionRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)`)
	numberRe   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// Number coerces v into a float64 within [min, max].
//
// Numeric inputs are clamped. NaN uses def; ±Inf clamps to the nearest
// bound. String inputs parse the first numeric substring (leading ~, < and >
// are tolerated), interpret "a/b" as (a/b)·max, and interpret a trailing %
// as a rescaled percentage of max when max ≤ 10, literally otherwise.
func Number(v any, def, min, max float64, res *Result) float64 {
	def = clamp(def, min, max)

	switch n := v.(type) {
	case nil:
		res.flag("number: nil value, using default %g", def)
		return def
	case float64:
		return clampNumeric(n, def, min, max, res)
	case float32:
		return clampNumeric(float64(n), def, min, max, res)
	case int:
		return clampNumeric(float64(n), def, min, max, res)
	case int32:
		return clampNumeric(float64(n), def, min, max, res)
	case int64:
		return clampNumeric(float64(n), def, min, max, res)
	case uint:
		return clampNumeric(float64(n), def, min, max, res)
	case uint64:
		return clampNumeric(float64(n), def, min, max, res)
	case bool:
		res.flag("number: boolean value %v, using default %g", n, def)
		return def
	case string:
		return parseNumber(n, def, min, max, res)
	default:
		return parseNumber(Stringify(v), def, min, max, res)
	}
}

func clampNumeric(n, def, min, max float64, res *Result) float64 {
	if math.IsNaN(n) {
		res.flag("number: NaN, using default %g", def)
		return def
	}
	if math.IsInf(n, 1) {
		res.flag("number: +Inf clamped to %g", max)
		return max
	}
	if math.IsInf(n, -1) {
		res.flag("number: -Inf clamped to %g", min)
		return min
	}
	if n < min {
		res.flag("number: %g clamped to %g", n, min)
		return min
	}
	if n > max {
		res.flag("number: %g clamped to %g", n, max)
		return max
	}
	return n
}

func parseNumber(s string, def, min, max float64, res *Result) float64 {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		res.flag("number: empty string, using default %g", def)
		return def
	}

	// "a/b" reads as a fraction of the upper bound ("8/10" with max 10 is 8).
	if m := fractionRe.FindStringSubmatch(trimmed); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[2], 64)
		if errA == nil && errB == nil && b != 0 {
			out := clamp(a/b*max, min, max)
			res.flag("number: parsed fraction %q as %g", s, out)
			return out
		}
	}

	loc := numberRe.FindStringIndex(trimmed)
	if loc == nil {
		res.flag("number: unparseable %q, using default %g", s, def)
		return def
	}
	n, err := strconv.ParseFloat(trimmed[loc[0]:loc[1]], 64)
	if err != nil {
		res.flag("number: unparseable %q, using default %g", s, def)
		return def
	}

	// A trailing percent rescales against max for small ranges only;
	// a 0-100 range already speaks percent natively.
	if loc[1] < len(trimmed) && trimmed[loc[1]] == '%' && max <= 10 {
		out := clamp(n/100*max, min, max)
		res.flag("number: rescaled percentage %q to %g", s, out)
		return out
	}

	out := clamp(n, min, max)
	if out != n || trimmed != numberRe.FindString(trimmed) {
		res.flag("number: extracted %g from %q", out, s)
	}
	return out
}

func clamp(n, min, max float64) float64 {
	if math.IsNaN(n) {
		return min
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// TruncationMarker terminates strings cut down to their length budget.
const TruncationMarker = "..."

var (
	horizontalWS = regexp.MustCompile(`[ \t]+`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
	escapeSeqs   = strings.NewReplacer(
		`\n`, "\n",
		`\t`, "\t",
		`\r`, "\r",
		`\"`, `"`,
		`\'`, `'`,
		`\\`, `\`,
	)
)

// String coerces v into a cleaned string of at most maxLen runes.
//
// Backslash escape sequences and HTML character references decode to their
// literal characters; runs of horizontal whitespace collapse to one space;
// at most one blank line survives between paragraphs. Over-long results are
// truncated with TruncationMarker.
func String(v any, maxLen int, res *Result) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	default:
		s = Stringify(v)
		res.flag("string: non-string value stringified to %q", bound(s, 40))
	}

	cleaned := cleanText(s)
	if cleaned != s {
		res.flag("string: cleaned whitespace/escapes")
	}
	return truncate(cleaned, maxLen, res)
}

// sentinel values a model emits when it means "nothing".
var absentSentinels = map[string]bool{
	"null": true, "nil": true, "none": true, "n/a": true, "na": true,
	"undefined": true, "-": true,
}

// OptionalString is String, except empty, whitespace-only and sentinel
// values ("null", "N/A") report absence instead of an empty string.
func OptionalString(v any, maxLen int, res *Result) (string, bool) {
	if v == nil {
		return "", false
	}
	s := String(v, maxLen, res)
	if s == "" || absentSentinels[strings.ToLower(strings.TrimSpace(s))] {
		return "", false
	}
	return s, true
}

func cleanText(s string) string {
	s = escapeSeqs.Replace(s)
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = horizontalWS.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func truncate(s string, maxLen int, res *Result) string {
	if maxLen <= 0 {
		if s != "" {
			res.flag("string: truncated to empty (budget 0)")
		}
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	marker := []rune(TruncationMarker)
	if maxLen <= len(marker) {
		res.flag("string: truncated %d runes to %d", len(runes), maxLen)
		return string(runes[:maxLen])
	}
	res.flag("string: truncated %d runes to %d", len(runes), maxLen)
	return string(runes[:maxLen-len(marker)]) + TruncationMarker
}

func bound(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + TruncationMarker
}

var (
	truthyTokens = map[string]bool{"true": true, "yes": true, "1": true, "on": true, "y": true}
	falsyTokens  = map[string]bool{"false": true, "no": true, "0": true, "off": true, "n": true, "": true}
)

// Bool coerces v into a boolean. Recognized string tokens map directly,
// numeric zero is false and nonzero true, and anything else uses def.
func Bool(v any, def bool, res *Result) bool {
	switch t := v.(type) {
	case nil:
		res.flag("bool: nil value, using default %v", def)
		return def
	case bool:
		return t
	case string:
		token := strings.ToLower(strings.TrimSpace(t))
		if truthyTokens[token] {
			if token != "true" {
				res.flag("bool: recognized %q as true", t)
			}
			return true
		}
		if falsyTokens[token] {
			if token != "false" {
				res.flag("bool: recognized %q as false", t)
			}
			return false
		}
		res.flag("bool: unrecognized %q, using default %v", t, def)
		return def
	case float64:
		res.flag("bool: numeric value %g", t)
		return t != 0
	case float32:
		res.flag("bool: numeric value %g", t)
		return t != 0
	case int:
		res.flag("bool: numeric value %d", t)
		return t != 0
	case int64:
		res.flag("bool: numeric value %d", t)
		return t != 0
	default:
		res.flag("bool: unrecognized value, using default %v", def)
		return def
	}
}
