package cliutil

import (
	"bytes"
	"testing"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/stretchr/testify/assert"
)

func TestNewTable(t *testing.T) {
	t.Parallel()

	t.Run("markdown_when_piped", func(t *testing.T) {
		var buf bytes.Buffer
		tbl := NewTable(&buf)
		tbl.AppendHeader(table.Row{"Name", "Enabled"})
		tbl.AppendRow(table.Row{"a|b", true})
		rendered := tbl.Render()

		assert.NotEmpty(t, rendered)
		assert.Contains(t, buf.String(), rendered)
		assert.Contains(t, buf.String(), `a\|b`)
		assert.Contains(t, buf.String(), "| --- |")
	})
}

func TestDimRowPainter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	painter := DimRowPainter(&buf, 1, func(v any) bool { return v == false })

	// Not a terminal, so nothing is painted.
	assert.Nil(t, painter(table.Row{"a", false}))
	assert.Nil(t, painter(table.Row{"a"}))
	assert.Equal(t, text.Colors(nil), painter(table.Row{"a", true}))
}

func TestSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int
		want string
	}{
		{"singular", 1, "\n*1 plugin*\n"},
		{"plural", 3, "\n*3 plugins*\n"},
		{"zero", 0, "\n*0 plugins*\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			Summary(&buf, tc.n, "plugin", "plugins")
			assert.Equal(t, tc.want, buf.String())
		})
	}
}

func TestHintCommand(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	HintCommand(&buf, "To read the log", "parley conn log abc123")
	assert.Equal(t, "To read the log: `parley conn log abc123`\n", buf.String())

	buf.Reset()
	NoResults(&buf, "No plugins found.")
	assert.Equal(t, "No plugins found.\n", buf.String())
}
