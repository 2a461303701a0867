// ABOUTME: Renders audit results as a Markdown operator report and as HTML via goldmark
// ABOUTME: Used by the CLI audit command and the gateway's /audit page

package invariant

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown     goldmark.Markdown
	markdownOnce sync.Once
)

func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// Report renders r as a Markdown document: a status line, a per-rule
// summary, then a table of every violation.
func Report(r Result) string {
	var b strings.Builder

	b.WriteString("# Consistency audit\n\n")
	if r.Valid {
		b.WriteString("**Status:** valid")
	} else {
		b.WriteString("**Status:** INVALID")
	}
	fmt.Fprintf(&b, " (%d errors, %d warnings)\n\n", len(r.Errors()), len(r.Warnings()))

	if len(r.Violations) == 0 {
		b.WriteString("No violations found.\n")
		return b.String()
	}

	b.WriteString("## Summary\n\n| Rule | Severity | Count |\n| --- | --- | ---: |\n")
	for _, rule := range Rules {
		if n := r.Count(rule); n > 0 {
			fmt.Fprintf(&b, "| %s | %s | %d |\n", rule, rule.Severity(), n)
		}
	}

	b.WriteString("\n## Violations\n\n| Rule | Severity | Node | Conversation | Detail |\n| --- | --- | --- | --- | --- |\n")
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			v.Rule, v.Severity, cell(v.NodeID), cell(v.ConversationKey), cell(v.Detail))
	}
	return b.String()
}

// RenderHTML converts Report(r) to an HTML fragment.
func RenderHTML(r Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdownRenderer().Convert([]byte(Report(r)), &buf); err != nil {
		return nil, fmt.Errorf("rendering audit report: %w", err)
	}
	return buf.Bytes(), nil
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\n", " ", "\r", " ")

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return cellEscaper.Replace(s)
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
