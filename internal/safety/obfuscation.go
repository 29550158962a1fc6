package safety

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// substitutions maps common obfuscation characters back to the letters they
// stand in for. Applied after Unicode normalization and lowercasing.
var substitutions = map[rune]rune{
	'*': '?',
	'@': 'a',
	'4': 'a',
	'3': 'e',
	'1': 'i',
	'!': 'i',
	'0': 'o',
	'$': 's',
	'5': 's',
	'7': 't',
	'+': 't',
}

// NormalizeForMatching prepares text for lexicon matching: NFKC
// normalization, lowercasing, obfuscation-character substitution, repeated
// characters collapsed to at most 2, and single-letter spacing collapsed
// ("k i l l" -> "kill").
func NormalizeForMatching(text string) string {
	normalized := norm.NFKC.String(text)
	lower := strings.ToLower(normalized)

	var sb strings.Builder
	sb.Grow(len(lower))
	for _, r := range lower {
		if sub, ok := substitutions[r]; ok {
			r = sub
		}
		sb.WriteRune(r)
	}

	collapsed := collapseRepeats(sb.String(), 2)
	return collapseLetterSpacing(collapsed)
}

func collapseRepeats(s string, max int) string {
	var sb strings.Builder
	sb.Grow(len(s))
	var prev rune = -1
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run > max {
				continue
			}
		} else {
			prev = r
			run = 1
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// collapseLetterSpacing joins runs of single letters separated by spaces so
// "k i l l m y s e l f" matches the lexicon. Runs shorter than 3 letters
// are left alone to avoid mangling "a i".
func collapseLetterSpacing(s string) string {
	words := strings.Fields(s)
	var out []string
	i := 0
	for i < len(words) {
		j := i
		for j < len(words) && len([]rune(words[j])) == 1 {
			j++
		}
		if j-i >= 3 {
			out = append(out, strings.Join(words[i:j], ""))
			i = j
			continue
		}
		out = append(out, words[i])
		i++
	}
	return strings.Join(out, " ")
}

// matchesObfuscated reports whether phrase occurs in the normalized text,
// treating '?' in the text as a single-character wildcard (the substitution
// table maps '*' to '?').
func matchesObfuscated(normalizedText, phrase string) bool {
	text := []rune(normalizedText)
	pat := []rune(phrase)
	if len(pat) == 0 || len(pat) > len(text) {
		return false
	}
	for start := 0; start+len(pat) <= len(text); start++ {
		ok := true
		for k := range pat {
			c := text[start+k]
			if c == pat[k] || c == '?' {
				continue
			}
			ok = false
			break
		}
		if ok {
			return true
		}
	}
	return false
}
