package store

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenize splits text into lowercased word tokens. Letters and digits form
// words; everything else separates them.
func Tokenize(text string) []string {
	var tokens []string
	seen := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(text, isSeparator) {
		t := lowerString(f)
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	return tokens
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// lowerRunes lowercases rune by rune so offsets in the result line up with
// offsets in the input.
func lowerRunes(s string) []rune {
	rs := []rune(s)
	for i, r := range rs {
		rs[i] = unicode.ToLower(r)
	}
	return rs
}

func lowerString(s string) string {
	return string(lowerRunes(s))
}

// sanitizeText returns text unchanged if it is valid UTF-8 and "" otherwise.
func sanitizeText(text string) (string, bool) {
	if utf8.ValidString(text) && !strings.ContainsRune(text, 0) {
		return text, true
	}
	return "", false
}
