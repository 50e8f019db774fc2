package cli

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

const maxSuggestionDistance = 3

// UnknownCommandError reports an unknown top-level command, suggesting the
// closest valid one or listing them all when nothing is close.
func UnknownCommandError(unknown string, validCommands []string) error {
	return unknownError("command", unknown, validCommands)
}

// UnknownSubcommandError is UnknownCommandError for a command group such as "plugin".
func UnknownSubcommandError(prefix, unknown string, validCommands []string) error {
	return unknownError(prefix+" subcommand", unknown, validCommands)
}

func unknownError(what, unknown string, valid []string) error {
	if best := suggest(unknown, valid); best != "" {
		return fmt.Errorf("unknown %s: %s (did you mean %q?)", what, unknown, best)
	} else if len(valid) == 0 {
		return fmt.Errorf("unknown %s: %s", what, unknown)
	}
	return fmt.Errorf("unknown %s: %s (valid: %s)", what, unknown, strings.Join(valid, ", "))
}

// suggest picks a candidate for input. Matching ignores case. A unique
// prefix wins ("stat" for "status"); otherwise the nearest candidate within
// maxSuggestionDistance, ties going to the earliest.
func suggest(input string, candidates []string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}

	var prefixed []string
	for _, c := range candidates {
		if strings.HasPrefix(c, input) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0]
	}

	var best string
	bestDist := maxSuggestionDistance + 1
	for _, c := range candidates {
		if dist := levenshtein.ComputeDistance(input, c); dist < bestDist {
			bestDist, best = dist, c
		}
	}
	return best
}
