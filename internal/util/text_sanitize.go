package util

import (
	"regexp"
	"strings"
)

var (
	multiSpace     = regexp.MustCompile(` +`)
	manyNewlines   = regexp.MustCompile(`\n{3,}`)
	hyphenatedWrap = regexp.MustCompile(`(\w+)-\n(\w+)`)
)

// SanitizeText removes bytes and control characters that Postgres text columns reject
// (especially NUL / 0x00 from some PDF extractors).
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	// NUL bytes are not valid in PostgreSQL text.
	s = strings.ReplaceAll(s, "\x00", "")

	// Drop other non-printing controls except common whitespace.
	r := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			r = append(r, ch)
			continue
		}
		if ch < 0x20 {
			continue
		}
		r = append(r, ch)
	}
	return strings.TrimSpace(string(r))
}

// CleanPageText normalises extracted page text: collapses runs of spaces and blank
// lines, trims every line and rejoins words hyphenated across a line break.
func CleanPageText(s string) string {
	s = SanitizeText(strings.ReplaceAll(s, "\r\n", "\n"))
	s = multiSpace.ReplaceAllString(s, " ")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = hyphenatedWrap.ReplaceAllString(s, "$1$2")
	return strings.TrimSpace(s)
}
