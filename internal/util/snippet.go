package util

import (
	"sort"
	"strings"
	"unicode"
)

var snippetStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "what": {}, "how": {}, "why": {},
	"which": {}, "that": {}, "this": {}, "with": {}, "from": {}, "qual": {}, "quais": {}, "paper": {},
	"uma": {}, "dos": {}, "das": {}, "para": {}, "com": {}, "por": {},
}

// EvidenceSnippet picks the sentence of chunkText sharing the most terms with query,
// clipped to maxRunes. Falls back to the head of the chunk when nothing matches.
func EvidenceSnippet(chunkText, query string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = 420
	}
	text := strings.Join(strings.Fields(SanitizeText(chunkText)), " ")
	if text == "" {
		return ""
	}
	terms := queryTerms(query)
	sentences := splitSentences(text)
	if len(terms) == 0 || len(sentences) == 0 {
		return clipRunes(text, maxRunes)
	}
	type scored struct {
		sentence string
		score    int
		order    int
	}
	list := make([]scored, 0, len(sentences))
	for i, s := range sentences {
		low := strings.ToLower(s)
		n := 0
		for _, term := range terms {
			if strings.Contains(low, term) {
				n++
			}
		}
		list = append(list, scored{sentence: s, score: n, order: i})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	if list[0].score == 0 {
		return clipRunes(text, maxRunes)
	}
	return clipRunes(list[0].sentence, maxRunes)
}

func splitSentences(s string) []string {
	out := make([]string, 0, 8)
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if x := strings.TrimSpace(b.String()); x != "" {
				out = append(out, x)
			}
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func queryTerms(q string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 8)
	for _, f := range strings.Fields(strings.ToLower(q)) {
		f = strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) })
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := snippetStopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func clipRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max])) + "..."
}
