package rag

import (
	"fmt"
	"strings"

	"papersynth/internal/models"
	"papersynth/internal/util"
)

const systemPrompt = `You are an academic assistant specialised in analysing scientific papers.
Answer STRICTLY from the numbered context blocks below.

Guidelines:
1. Cite sources inline with their block number, e.g. [1] or [2][3], and name the paper (e.g. "According to Silva (2024) [1]").
2. If the answer is not in the context, say "I could not find this information in the provided papers."
3. Structure longer answers with short sections.
4. When asked to compare studies, compare them directly.
5. Use precise technical terminology.`

// minBlockTokens is the smallest truncated block worth including.
const minBlockTokens = 32

type Prompt struct {
	System   string
	User     string
	Included []models.Hit
	Tokens   int
}

func blockHeader(n int, h models.Hit) string {
	m := h.Chunk.Metadata
	title := strings.TrimSpace(m.Title)
	if title == "" {
		title = "Untitled"
	}
	author := strings.TrimSpace(m.Author)
	if author == "" {
		author = "unknown author"
	}
	year := "n.d."
	if m.Year > 0 {
		year = fmt.Sprintf("%d", m.Year)
	}
	return fmt.Sprintf("[%d] %s (%s, %s) chunk %d", n, title, author, year, h.Chunk.Index)
}

// BuildPrompt lays out hits in the given order until budget tokens are used. A block
// that does not fit is truncated when at least minBlockTokens of text still fit,
// otherwise it and every later block are dropped. The question and instructions
// count against the budget.
func BuildPrompt(question string, hits []models.Hit, budget int) (Prompt, bool) {
	question = strings.TrimSpace(question)
	fixed := util.CountTokens(systemPrompt) + util.CountTokens(question) + 4
	remaining := budget - fixed
	if remaining < minBlockTokens {
		return Prompt{}, false
	}

	var ctx strings.Builder
	included := make([]models.Hit, 0, len(hits))
	for _, h := range hits {
		header := blockHeader(len(included)+1, h)
		headerTokens := util.CountTokens(header)
		textTokens := util.CountTokens(h.Chunk.Text)
		avail := remaining - headerTokens
		if avail < minBlockTokens && avail < textTokens {
			break
		}
		text := strings.TrimSpace(h.Chunk.Text)
		if textTokens > avail {
			text = util.TruncateTokens(text, avail) + " ..."
			textTokens = avail
		}
		ctx.WriteString(header)
		ctx.WriteString("\n")
		ctx.WriteString(text)
		ctx.WriteString("\n\n")
		remaining -= headerTokens + textTokens
		included = append(included, h)
		if remaining <= 0 {
			break
		}
	}
	if len(included) == 0 {
		return Prompt{}, false
	}

	user := "Context:\n\n" + ctx.String() + "Question: " + question
	return Prompt{
		System:   systemPrompt,
		User:     user,
		Included: included,
		Tokens:   budget - remaining,
	}, true
}
