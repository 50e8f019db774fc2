package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no_args", nil, 1},
		{"help", []string{"help"}, 0},
		{"version", []string{"version"}, 0},
		{"unknown", []string{"plugn"}, 1},
		{"serve_help", []string{"serve", "--help"}, 0},
		{"serve_bad_flag", []string{"serve", "--listen", "nope"}, 1},
		{"plugin_help", []string{"plugin", "list", "--help"}, 0},
		{"conn_missing_subcommand", []string{"conn"}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, run(tc.args))
		})
	}
}
