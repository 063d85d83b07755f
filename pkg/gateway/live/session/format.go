package session

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var transcriptFixes = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`\bi\b`), "I"},
	{regexp.MustCompile(`(?i)\bi'm\b`), "I'm"},
	{regexp.MustCompile(`(?i)\bi've\b`), "I've"},
	{regexp.MustCompile(`(?i)\bim\b`), "I'm"},
	{regexp.MustCompile(`(?i)\bive\b`), "I've"},
	{regexp.MustCompile(`(?i)\bdont\b`), "don't"},
	{regexp.MustCompile(`(?i)\bcant\b`), "can't"},
	{regexp.MustCompile(`(?i)\bthats\b`), "that's"},
	{regexp.MustCompile(`(?i)\bits\b`), "it's"},
}

// formatTranscript tidies raw speech-to-text output for display and for the engine.
func formatTranscript(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	for _, fix := range transcriptFixes {
		text = fix.re.ReplaceAllString(text, fix.with)
	}
	r, size := utf8.DecodeRuneInString(text)
	text = string(unicode.ToUpper(r)) + text[size:]
	switch text[len(text)-1] {
	case '.', '!', '?':
	default:
		text += "."
	}
	return text
}

// formatPartial is formatTranscript without the closing period, for live display.
func formatPartial(text string) string {
	return strings.TrimSuffix(formatTranscript(text), ".")
}
