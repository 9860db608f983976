package protocol

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Truncation budgets for text entering the session and text posted for
// question generation.
const (
	DisplayLimit    = 200
	DisplayRatio    = 0.8
	GenerationLimit = 1800
	GenerationRatio = 0.7
)

// Ellipsis marks text shortened by [TruncateEllipsis].
const Ellipsis = "..."

// Truncate shortens s to at most limit runes. If the last whitespace at or
// before the limit lies beyond limit*ratio, the cut is made there so that a
// word is not split; otherwise the text is hard-cut at the limit.
// Strings within the limit are returned unchanged.
func Truncate(s string, limit int, ratio float64) string {
	out, _ := truncate(s, limit, ratio)
	return out
}

// TruncateEllipsis is like [Truncate] but appends [Ellipsis] when the text
// was shortened.
func TruncateEllipsis(s string, limit int, ratio float64) string {
	out, cut := truncate(s, limit, ratio)
	if cut {
		return out + Ellipsis
	}
	return out
}

// TruncateDisplay applies the display budget.
func TruncateDisplay(s string) string { return Truncate(s, DisplayLimit, DisplayRatio) }

// TruncateGeneration applies the generation-input budget.
func TruncateGeneration(s string) string {
	return TruncateEllipsis(s, GenerationLimit, GenerationRatio)
}

func truncate(s string, limit int, ratio float64) (string, bool) {
	if limit <= 0 {
		return "", s != ""
	}
	// Fast path: byte length bounds rune count.
	if len(s) <= limit {
		return s, false
	}
	r := []rune(s)
	if len(r) <= limit {
		return s, false
	}
	head := r[:limit]
	last := -1
	for i := len(head) - 1; i >= 0; i-- {
		if unicode.IsSpace(head[i]) {
			last = i
			break
		}
	}
	if last >= 0 && float64(last) > float64(limit)*ratio {
		return string(head[:last]), true
	}
	return string(head), true
}

// Eligible reports whether the trimmed text has at least n runes.
func Eligible(s string, n int) bool {
	s = strings.TrimSpace(s)
	if len(s) < n {
		return false
	}
	return utf8.RuneCountInString(s) >= n
}
