package synthesis

import (
	"regexp"
	"strings"

	"papersynth/internal/models"
)

var fieldLine = regexp.MustCompile(`^\s*(?:[-*]\s+|\d+[.)]\s*)?\*\*([^*]+?)\*\*\s*:?\s*(.*)$`)

// ParseFields extracts "**Name**: text" sections, in order, from a summary.
// Lines that do not open a new section continue the current one.
func ParseFields(text string) []models.SummaryField {
	out := make([]models.SummaryField, 0)
	for _, line := range strings.Split(text, "\n") {
		if m := fieldLine.FindStringSubmatch(line); m != nil {
			name := strings.TrimSuffix(strings.TrimSpace(m[1]), ":")
			out = append(out, models.SummaryField{Name: name, Text: strings.TrimSpace(m[2])})
			continue
		}
		if len(out) == 0 {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		last := &out[len(out)-1]
		if last.Text == "" {
			last.Text = line
		} else {
			last.Text += "\n" + line
		}
	}
	return out
}
