package duplicate

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	nonWordRe    = regexp.MustCompile(`[^\w.\-]`)

	// Trailing version suffixes stripped during normalization, applied
	// repeatedly so "report_final_v2" reduces to "report".
	versionSuffixRe = regexp.MustCompile(`(?i)(_v\d+|_copy|_final|_draft|_backup|\(\d+\)|_\d+)$`)

	// Patterns that tag a fuzzy group as version siblings.
	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\(\d+\)`),
		regexp.MustCompile(`(?i)_copy\b`),
		regexp.MustCompile(`(?i)_v\d+\b`),
		regexp.MustCompile(`(?i)_final\b`),
		regexp.MustCompile(`(?i)_draft\b`),
	}
)

// NormalizeName canonicalizes a file name for identity and similarity
// comparisons: lowercase, whitespace to underscores, punctuation stripped,
// trailing version markers removed. The extension is preserved.
func NormalizeName(name string) string {
	base, ext := splitExt(strings.ToLower(name))
	base = whitespaceRe.ReplaceAllString(base, "_")
	base = nonWordRe.ReplaceAllString(base, "")
	for {
		stripped := versionSuffixRe.ReplaceAllString(base, "")
		if stripped == base {
			break
		}
		base = stripped
	}
	base = strings.Trim(base, "_")
	return base + ext
}

// HasVersionMarker reports whether the raw name carries a version-sibling
// pattern such as "(1)", "_copy", or "_v3".
func HasVersionMarker(name string) bool {
	base, _ := splitExt(strings.ToLower(name))
	base = whitespaceRe.ReplaceAllString(base, "_")
	for _, re := range versionPatterns {
		if re.MatchString(base) {
			return true
		}
	}
	return false
}

// NameSimilarity returns the Levenshtein similarity of two normalized
// names in [0, 1].
func NameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// NearSize reports whether two sizes differ by less than tenth of the
// larger one.
func NearSize(a, b int64) bool {
	if a == b {
		return true
	}
	max := a
	if b > max {
		max = b
	}
	if max == 0 {
		return true
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff)/float64(max) < 0.1
}

func splitExt(name string) (base, ext string) {
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[:idx], name[idx:]
	}
	return name, ""
}
