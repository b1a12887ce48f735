package synthesis

import (
	"fmt"
	"regexp"
	"strings"

	"papersynth/internal/models"
)

// Render formats a finished report for export. Unavailable summaries are listed
// as omissions, never silently dropped.
func Render(r models.SynthesisReport, format models.ExportFormat) string {
	if format == models.FormatText {
		return renderText(r)
	}
	return renderMarkdown(r)
}

func paperHeading(s models.PaperSummary) string {
	title := strings.TrimSpace(s.Metadata.Title)
	if title == "" {
		title = s.DocumentID
	}
	return fmt.Sprintf("%s, %s", title, s.Metadata.Label())
}

func renderMarkdown(r models.SynthesisReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Literature synthesis: %s\n\n", r.Focus.Title())
	fmt.Fprintf(&b, "_%d of %d papers summarised; generated %s._\n\n", len(r.Succeeded), len(r.Summaries), r.CompletedAt.Format("2006-01-02 15:04 UTC"))

	b.WriteString("## Comparative synthesis\n\n")
	b.WriteString(strings.TrimSpace(r.Narrative))
	b.WriteString("\n\n## Papers\n\n")
	n := 0
	for _, s := range r.Summaries {
		if !s.Available {
			continue
		}
		n++
		fmt.Fprintf(&b, "### %d. %s\n\n", n, paperHeading(s))
		if len(s.Fields) > 0 {
			for _, f := range s.Fields {
				fmt.Fprintf(&b, "- **%s**: %s\n", f.Name, strings.ReplaceAll(f.Text, "\n", " "))
			}
			b.WriteString("\n")
		} else {
			b.WriteString(strings.TrimSpace(s.Text))
			b.WriteString("\n\n")
		}
	}
	if len(r.Omitted) > 0 {
		b.WriteString("## Omitted papers\n\n")
		for _, s := range r.Summaries {
			if s.Available {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s (after %d attempts)\n", paperHeading(s), s.FailReason, s.Attempts)
		}
		b.WriteString("\n")
	}
	return b.String()
}

var (
	mdHeading  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasis = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
)

func plain(s string) string {
	s = mdHeading.ReplaceAllString(s, "")
	return mdEmphasis.ReplaceAllString(s, "$1$2")
}

func underline(b *strings.Builder, title string, ch string) {
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat(ch, len([]rune(title))))
	b.WriteString("\n\n")
}

func renderText(r models.SynthesisReport) string {
	var b strings.Builder
	underline(&b, "LITERATURE SYNTHESIS: "+strings.ToUpper(r.Focus.Title()), "=")
	fmt.Fprintf(&b, "%d of %d papers summarised.\n\n", len(r.Succeeded), len(r.Summaries))

	underline(&b, "Comparative synthesis", "-")
	b.WriteString(strings.TrimSpace(plain(r.Narrative)))
	b.WriteString("\n\n")

	underline(&b, "Papers", "-")
	n := 0
	for _, s := range r.Summaries {
		if !s.Available {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. %s\n", n, paperHeading(s))
		if len(s.Fields) > 0 {
			for _, f := range s.Fields {
				fmt.Fprintf(&b, "   %s: %s\n", f.Name, strings.ReplaceAll(plain(f.Text), "\n", " "))
			}
		} else {
			for _, line := range strings.Split(strings.TrimSpace(plain(s.Text)), "\n") {
				b.WriteString("   " + line + "\n")
			}
		}
		b.WriteString("\n")
	}
	if len(r.Omitted) > 0 {
		underline(&b, "Omitted papers", "-")
		for _, s := range r.Summaries {
			if !s.Available {
				fmt.Fprintf(&b, "* %s: %s\n", paperHeading(s), s.FailReason)
			}
		}
	}
	return b.String()
}
