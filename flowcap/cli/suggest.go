// Package cli holds helpers shared by flowcap's command parsers.
package cli

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxSuggestionDistance is the largest edit distance still offered as a "did you mean"
const maxSuggestionDistance = 3

// UnknownCommandError reports an unknown top-level command, suggesting the
// nearest valid one when close enough.
func UnknownCommandError(unknown string, valid []string) error {
	return unknownError("command", unknown, valid)
}

// UnknownSubcommandError reports an unknown subcommand of parent.
func UnknownSubcommandError(parent, unknown string, valid []string) error {
	return unknownError(parent+" subcommand", unknown, valid)
}

func unknownError(kind, unknown string, valid []string) error {
	if best := Suggest(unknown, valid); best != "" {
		return fmt.Errorf("unknown %s: %s (did you mean %q?)", kind, unknown, best)
	}
	return fmt.Errorf("unknown %s: %s", kind, unknown)
}

// Suggest returns the candidate closest to input by case-insensitive edit
// distance, or "" when none is within maxSuggestionDistance. Ties keep the
// earlier candidate.
func Suggest(input string, candidates []string) string {
	input = strings.ToLower(input)
	var best string
	bestDist := maxSuggestionDistance + 1
	for _, c := range candidates {
		if dist := levenshtein.ComputeDistance(input, strings.ToLower(c)); dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}
