package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Horizontal whitespace runs long enough to push a payload past the edge
// of a visible review window.
var paddingRun = regexp.MustCompile(`[ \t]{30,}`)

// Zero-width characters used to split banned identifiers invisibly.
var zeroWidth = []rune{'\u200B', '\u200C', '\u200D', '\u2060', '\uFEFF'}

// characterLayer rejects raw-byte tricks before any pattern matching runs:
// null bytes, control characters, padding, and invisible code points.
func characterLayer(source string) []Violation {
	var violations []Violation

	for i, r := range source {
		switch {
		case r == 0:
			violations = append(violations, Violation{
				Layer:   LayerCharacter,
				Kind:    KindControlChars,
				Pattern: "null byte",
				Excerpt: excerpt(source, i, 32),
			})
		case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
			violations = append(violations, Violation{
				Layer:   LayerCharacter,
				Kind:    KindControlChars,
				Pattern: fmt.Sprintf("control character 0x%02x", r),
				Excerpt: excerpt(source, i, 32),
			})
		case r == 0x7f:
			violations = append(violations, Violation{
				Layer:   LayerCharacter,
				Kind:    KindControlChars,
				Pattern: "delete character",
				Excerpt: excerpt(source, i, 32),
			})
		}
		if len(violations) >= 5 {
			// One bad byte is enough to reject; cap the noise.
			return violations
		}
	}

	for _, zw := range zeroWidth {
		if i := strings.IndexRune(source, zw); i >= 0 {
			violations = append(violations, Violation{
				Layer:   LayerCharacter,
				Kind:    KindObfuscation,
				Pattern: fmt.Sprintf("zero-width character U+%04X", zw),
				Excerpt: excerpt(source, i, 32),
			})
		}
	}

	if loc := paddingRun.FindStringIndex(source); loc != nil {
		violations = append(violations, Violation{
			Layer:   LayerCharacter,
			Kind:    KindObfuscation,
			Pattern: "excessive whitespace padding",
			Excerpt: excerpt(source, loc[0], 32),
		})
	}

	return violations
}
