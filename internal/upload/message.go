package upload

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var violationOrder = []ViolationKind{
	ViolationInvalidType,
	ViolationTooLarge,
	ViolationTooSmall,
	ViolationTooManyFiles,
}

// RootMessage builds the batch-level error text: one clause per distinct
// violation kind, each naming the configured limit. It returns "" when
// there is nothing to report.
func RootMessage(violations []ViolationKind, limits Limits) string {
	parts := make([]string, 0, len(violationOrder))
	for _, kind := range violationOrder {
		if !slices.Contains(violations, kind) {
			continue
		}
		parts = append(parts, clause(kind, limits))
	}
	if len(parts) == 0 {
		return ""
	}
	return capitalize(strings.Join(parts, ", ")) + "."
}

func clause(kind ViolationKind, limits Limits) string {
	switch kind {
	case ViolationInvalidType:
		return "file type must be one of " + strings.Join(limits.Accept, ", ")
	case ViolationTooLarge:
		return "file must be smaller than " + FormatMB(limits.MaxSize)
	case ViolationTooSmall:
		return "file must be larger than " + FormatMB(limits.MinSize)
	case ViolationTooManyFiles:
		return fmt.Sprintf("you can upload at most %d files", limits.MaxFiles)
	default:
		return string(kind)
	}
}

// FormatMB renders a byte count in megabytes, rounded to two decimals
// unless that would hide a non-zero value.
func FormatMB(n int64) string {
	mb := float64(n) / (1 << 20)
	if mb >= 0.01 {
		mb = math.Round(mb*100) / 100
	}
	return strconv.FormatFloat(mb, 'f', -1, 64) + " MB"
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
