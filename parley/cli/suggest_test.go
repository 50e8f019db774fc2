package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnknownCommandError(t *testing.T) {
	t.Parallel()

	commands := []string{"serve", "plugin", "conn", "status", "version", "help"}
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"typo", "plugn", `unknown command: plugn (did you mean "plugin"?)`},
		{"transposed", "sreve", `unknown command: sreve (did you mean "serve"?)`},
		{"short", "con", `unknown command: con (did you mean "conn"?)`},
		{"prefix", "stat", `unknown command: stat (did you mean "status"?)`},
		{"upper_case", "PLUGIN", `unknown command: PLUGIN (did you mean "plugin"?)`},
		{"too_far", "relayctl", "unknown command: relayctl (valid: serve, plugin, conn, status, version, help)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.EqualError(t, UnknownCommandError(tc.input, commands), tc.want)
		})
	}
}

func TestUnknownSubcommandError(t *testing.T) {
	t.Parallel()

	subs := []string{"list", "enable", "disable", "reload"}

	assert.EqualError(t, UnknownSubcommandError("plugin", "enabel", subs),
		`unknown plugin subcommand: enabel (did you mean "enable"?)`)
	assert.EqualError(t, UnknownSubcommandError("plugin", "purge-everything", subs),
		"unknown plugin subcommand: purge-everything (valid: list, enable, disable, reload)")
	assert.EqualError(t, UnknownSubcommandError("plugin", "x", nil), "unknown plugin subcommand: x")
}

func TestSuggest(t *testing.T) {
	t.Parallel()

	t.Run("nearest", func(t *testing.T) {
		assert.Equal(t, "list", suggest("lst", []string{"list", "log"}))
	})
	t.Run("unique_prefix_beats_distance", func(t *testing.T) {
		assert.Equal(t, "disable", suggest("disa", []string{"list", "enable", "disable"}))
	})
	t.Run("ambiguous_prefix_falls_back", func(t *testing.T) {
		assert.Equal(t, "log", suggest("l", []string{"list", "log"}))
	})
	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, suggest("", []string{"list"}))
		assert.Empty(t, suggest("anything", nil))
	})
}
