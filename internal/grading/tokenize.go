package grading

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize lowercases text and returns its word runs longer than one character, in order.
func Tokenize(text string) []string {
	if text == "" {
		return []string{}
	}
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) > 1 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}
