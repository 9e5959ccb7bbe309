// Package transcript cleans recognizer output before it reaches consumers.
package transcript

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var (
	annotationPattern  = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|<[^>]*>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
	punctSpacePattern  = regexp.MustCompile(`\s+([,.!?;:])`)
	repeatPunctPattern = regexp.MustCompile(`([,;:])[,;:]+`)
)

// Options controls the optional case folding applied after cleanup.
type Options struct {
	Lowercase  bool
	Capitalize bool
	Language   language.Tag
}

// Sanitizer strips non-speech annotations such as "[BLANK_AUDIO]" or
// "(tapping)" and tidies spacing. It is safe for concurrent use; casers are
// stateful, so each Clean builds its own.
type Sanitizer struct {
	opts Options
	tag  language.Tag
}

// New builds a Sanitizer. A zero Language falls back to English rules.
func New(opts Options) *Sanitizer {
	tag := opts.Language
	if tag == language.Und {
		tag = language.English
	}
	return &Sanitizer{opts: opts, tag: tag}
}

// Clean returns the sanitized text, or "" when nothing speakable remains.
func (s *Sanitizer) Clean(text string) string {
	text = norm.NFC.String(text)
	text = annotationPattern.ReplaceAllString(text, " ")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = punctSpacePattern.ReplaceAllString(text, "$1")
	text = repeatPunctPattern.ReplaceAllString(text, "$1")
	text = strings.TrimSpace(text)
	text = strings.TrimLeft(text, ",;: ")

	if !hasWords(text) {
		return ""
	}
	if s.opts.Lowercase {
		text = cases.Lower(s.tag).String(text)
	}
	if s.opts.Capitalize {
		text = s.capitalize(text)
	}
	return text
}

func (s *Sanitizer) capitalize(text string) string {
	for i, r := range text {
		if unicode.IsLetter(r) {
			size := utf8.RuneLen(r)
			return text[:i] + cases.Upper(s.tag).String(text[i:i+size]) + text[i+size:]
		}
	}
	return text
}

func hasWords(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
