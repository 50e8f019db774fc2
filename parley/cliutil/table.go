// Package cliutil holds output helpers shared by CLI commands.
package cliutil

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

// Table renders a box table on terminals and a Markdown table otherwise,
// so piped output stays readable by scripts and agents.
type Table struct {
	table.Writer
	markdown bool
}

// NewTable returns a table that prints to w when rendered.
func NewTable(w io.Writer) *Table {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tty := IsTerminal(w)
	if tty {
		tw.SetStyle(table.StyleLight)
	}
	return &Table{Writer: tw, markdown: !tty}
}

// Render writes the table to the output and returns the rendered text.
func (t *Table) Render() string {
	if t.markdown {
		return t.Writer.RenderMarkdown()
	}
	return t.Writer.Render()
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// DimRowPainter fades rows whose value at col satisfies dim. It paints only
// when w is a terminal.
func DimRowPainter(w io.Writer, col int, dim func(v any) bool) table.RowPainter {
	tty := IsTerminal(w)
	return func(row table.Row) text.Colors {
		if !tty || col >= len(row) || !dim(row[col]) {
			return nil
		}
		return text.Colors{text.Faint}
	}
}

// NoResults prints a message for an empty result set.
func NoResults(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, msg)
}

// Summary prints a count line after a table.
func Summary(w io.Writer, n int, singular, plural string) {
	noun := plural
	if n == 1 {
		noun = singular
	}
	_, _ = fmt.Fprintf(w, "\n*%d %s*\n", n, noun)
}

// HintCommand prints a follow-up command suggestion.
func HintCommand(w io.Writer, label, cmd string) {
	_, _ = fmt.Fprintf(w, "%s: `%s`\n", label, cmd)
}
