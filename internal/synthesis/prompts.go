package synthesis

import (
	"fmt"
	"strings"

	"papersynth/internal/models"
)

const summarySystem = "You are a specialised academic reviewer."

const mergeSystem = "You are an expert in systematic literature review."

var focusTemplates = map[models.Focus]string{
	models.FocusMethodology: `Analyse ONLY the methodology of this paper:

{text}

Extract and summarise:
1. **Study type**: experimental, observational, review, etc.
2. **Sample**: size and characteristics
3. **Techniques**: main approaches used
4. **Data analysis**: how the data were analysed

Be concise (at most 150 words).`,
	models.FocusResults: `Analyse ONLY the results of this paper:

{text}

Extract:
1. **Main findings**: the three most important results
2. **Quantitative data**: percentages, statistics
3. **Significance**: what the results indicate

Be concise (at most 150 words).`,
	models.FocusLimitations: `Analyse the limitations of this paper:

{text}

Identify:
1. **Methodological limitations**: problems with the method
2. **Sample limitations**: problems with the sample
3. **Research gaps**: what remains to be investigated

Be concise (at most 100 words).`,
	models.FocusComplete: `Write an executive summary of this paper:

{text}

Structure it as:
1. **Objective**: why the study was done
2. **Methodology**: how it was done
3. **Results**: what was found
4. **Conclusion**: main implications

Be concise (at most 200 words).`,
}

// focusQueries drive chunk selection when a paper does not fit the map budget.
var focusQueries = map[models.Focus]string{
	models.FocusMethodology: "methods study design sample participants procedure techniques data analysis statistical",
	models.FocusResults:     "results findings outcome significant percentage statistics observed increase decrease",
	models.FocusLimitations: "limitations limitation bias small sample future research gaps constraints",
	models.FocusComplete:    "objective aim methods results conclusion implications",
}

func FocusQuery(focus models.Focus) string {
	if q, ok := focusQueries[focus]; ok {
		return q
	}
	return focusQueries[models.FocusComplete]
}

// SummaryPrompt is the map-phase prompt for one paper.
func SummaryPrompt(focus models.Focus, meta models.Metadata, text string) (system, user string) {
	tpl, ok := focusTemplates[focus]
	if !ok {
		tpl = focusTemplates[models.FocusComplete]
	}
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = "Untitled"
	}
	header := fmt.Sprintf("Paper: %s, %s\n\n", title, meta.Label())
	return summarySystem, header + strings.Replace(tpl, "{text}", text, 1)
}

// Part is one side of a merge: a summary or an earlier merge result and the papers it covers.
type Part struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
}

func (p Part) Covers() string {
	return strings.Join(p.Labels, "; ")
}

// MergePrompt is the reduce-phase prompt combining two parts.
func MergePrompt(focus models.Focus, left, right Part) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a literature reviewer. Compare the following two bodies of work, focusing on %s.\n\n", strings.ToLower(focus.Title()))
	fmt.Fprintf(&b, "**Part A, covering %s:**\n%s\n\n", left.Covers(), strings.TrimSpace(left.Text))
	fmt.Fprintf(&b, "**Part B, covering %s:**\n%s\n\n", right.Covers(), strings.TrimSpace(right.Text))
	fmt.Fprintf(&b, `Produce one structured comparative synthesis that covers every paper named above:

## Comparison of %s

### Similarities
- aspects shared by the studies

### Differences
- distinct approaches

### Patterns
- emerging trends or consensus

### Research gaps
- what still needs investigation

Attribute claims to papers by author and year. Be technical but clear.`, focus.Title())
	return mergeSystem, b.String()
}
