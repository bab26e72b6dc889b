package validation

import (
	"fmt"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/protocol-bank/payroll/types"
)

// confusables maps look-alike code points to the ASCII letter they imitate.
var confusables = map[rune]rune{
	// Cyrillic
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c',
	'х': 'x', 'у': 'y', 'ѕ': 's', 'і': 'i', 'ј': 'j',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M',
	'Н': 'H', 'О': 'O', 'Р': 'P', 'С': 'C', 'Т': 'T',
	'Х': 'X',
	// Greek
	'α': 'a', 'ο': 'o', 'ν': 'v',
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I',
	'Κ': 'K', 'Μ': 'M', 'Ν': 'N', 'Ο': 'O', 'Ρ': 'P',
	'Τ': 'T', 'Χ': 'X', 'Ζ': 'Z',
}

// DetectHomoglyphs reports every code point in s that imitates an ASCII
// character or is invisible. Positions are rune offsets.
func DetectHomoglyphs(s string) []types.HomoglyphDetail {
	var out []types.HomoglyphDetail
	pos := 0
	for _, r := range s {
		if r <= unicode.MaxASCII {
			pos++
			continue
		}
		expected, suspicious := lookalike(r)
		if suspicious {
			d := types.HomoglyphDetail{
				Position:     pos,
				Character:    string(r),
				UnicodePoint: fmt.Sprintf("U+%04X", r),
			}
			if expected != 0 {
				d.ExpectedCharacter = string(expected)
			}
			out = append(out, d)
		}
		pos++
	}
	return out
}

func HasHomoglyphs(s string) bool {
	return len(DetectHomoglyphs(s)) > 0
}

func lookalike(r rune) (rune, bool) {
	if ascii, ok := confusables[r]; ok {
		return ascii, true
	}
	// fullwidth and other compatibility forms fold to ASCII under NFKC
	folded := []rune(norm.NFKC.String(string(r)))
	if len(folded) == 1 && folded[0] <= unicode.MaxASCII && folded[0] != r {
		return folded[0], true
	}
	if unicode.Is(unicode.Cf, r) || unicode.IsSpace(r) {
		return 0, true
	}
	return 0, false
}
