package util

import (
	"fmt"
	"strings"
	"unicode"
)

// Window is one sliding-window chunk over the token stream of a text.
type Window struct {
	Text       string
	Index      int
	TokenStart int
	TokenEnd   int
	// Overlap is the number of leading tokens shared with the previous window.
	Overlap   int
	ByteStart int
	ByteEnd   int
}

func (w Window) TokenCount() int {
	return w.TokenEnd - w.TokenStart
}

// Tokenize splits text into whitespace-delimited words, each carrying the whitespace
// that follows it. Leading whitespace belongs to the first token, so joining the
// tokens reproduces text exactly.
func Tokenize(text string) []string {
	out := make([]string, 0, len(text)/5)
	start := 0
	inSpace := true
	seenWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && seenWord {
			out = append(out, text[start:i])
			start = i
		}
		inSpace = false
		seenWord = true
	}
	if seenWord {
		out = append(out, text[start:])
	}
	return out
}

func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// TruncateTokens keeps at most n tokens of text.
func TruncateTokens(text string, n int) string {
	if n <= 0 {
		return ""
	}
	tokens := Tokenize(text)
	if len(tokens) <= n {
		return text
	}
	return strings.TrimRightFunc(strings.Join(tokens[:n], ""), unicode.IsSpace)
}

func ChunkText(text string, chunkSize, overlap int) ([]Window, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrConfiguration, chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrConfiguration, overlap, chunkSize)
	}
	tokens := Tokenize(text)
	offsets := make([]int, len(tokens)+1)
	for i, t := range tokens {
		offsets[i+1] = offsets[i] + len(t)
	}
	step := chunkSize - overlap
	out := make([]Window, 0, len(tokens)/step+1)
	for start := 0; start < len(tokens); start += step {
		end := start + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		shared := 0
		if start > 0 {
			shared = overlap
		}
		out = append(out, Window{
			Text:       text[offsets[start]:offsets[end]],
			Index:      len(out),
			TokenStart: start,
			TokenEnd:   end,
			Overlap:    shared,
			ByteStart:  offsets[start],
			ByteEnd:    offsets[end],
		})
		if end == len(tokens) {
			break
		}
	}
	return out, nil
}

// Reassemble drops the overlapping prefix of every window after the first and joins the rest.
func Reassemble(texts []string, overlaps []int) string {
	var b strings.Builder
	for i, t := range texts {
		if i == 0 || overlaps[i] == 0 {
			b.WriteString(t)
			continue
		}
		tokens := Tokenize(t)
		if overlaps[i] >= len(tokens) {
			continue
		}
		b.WriteString(strings.Join(tokens[overlaps[i]:], ""))
	}
	return b.String()
}
