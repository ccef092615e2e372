package narrative

import (
	"context"
	"fmt"
	"strings"
	"text/template"
)

// SourceRef is one cited article in a synthesis request.
type SourceRef struct {
	Title      string
	SourceName string
	URL        string
	Snippet    string
}

// Request carries everything the writer needs for one conflict on one day.
type Request struct {
	ConflictName   string
	Date           string
	ContextBullets []string
	Sources        []SourceRef
}

// Generator produces a grounded narrative for a conflict's day. The returned
// text opens with a one-line summary.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

const promptText = `You are a careful geopolitical analyst. Write a narrative-style update grounded
in the provided articles and historical context. Cite sources explicitly with
[Source N] markers matching the provided list. Be factual and avoid speculation.

Input:
- Conflict name: {{.ConflictName}}
- Date: {{.Date}}
- Historical context (bullets):
{{range .ContextBullets}}- {{.}}
{{end}}- Articles:
{{range $i, $a := .Sources}}- [{{inc $i}}] {{$a.Title}} ({{$a.SourceName}}) - {{$a.URL}}
{{end}}
Write 3-6 concise paragraphs (<= 500 words), include a one-line summary first.
End with a footer listing sources and a confidence score between 0 and 1.`

var promptTemplate = template.Must(template.New("narrative_prompt").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(promptText))

// RenderPrompt expands the synthesis prompt for a request.
func RenderPrompt(req Request) (string, error) {
	var out strings.Builder
	if err := promptTemplate.Execute(&out, req); err != nil {
		return "", fmt.Errorf("render narrative prompt: %w", err)
	}
	return out.String(), nil
}

// SummaryLine derives the one-line episode summary from a narrative, falling
// back to the first cited title and then the conflict name when the narrative
// is empty.
func SummaryLine(narrative string, req Request, limit int) string {
	for _, line := range strings.Split(narrative, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return clipRunes(line, limit)
		}
	}
	if len(req.Sources) > 0 && strings.TrimSpace(req.Sources[0].Title) != "" {
		return clipRunes(strings.TrimSpace(req.Sources[0].Title), limit)
	}
	return clipRunes(req.ConflictName, limit)
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
