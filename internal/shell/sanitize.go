package shell

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

var (
	// ErrEmptyCommand is returned for blank commands or arguments.
	ErrEmptyCommand = errors.New("command must not be empty")
	// ErrForbiddenToken is returned when a command contains shell control syntax.
	ErrForbiddenToken = errors.New("forbidden token in command")
)

var (
	forbiddenTokens     = []string{";", "&&", "||", "|", "`"}
	forbiddenSubstrings = []string{"$(", "${", ">", "<"}
)

// Sanitize splits a command line into argv and rejects anything that would
// need a shell to interpret.
func Sanitize(command string) ([]string, error) {
	if strings.ContainsAny(command, "\r\n") {
		return nil, fmt.Errorf("%w: line breaks are not allowed", ErrForbiddenToken)
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	for _, arg := range argv {
		if strings.TrimSpace(arg) == "" {
			return nil, ErrEmptyCommand
		}
		for _, tok := range forbiddenTokens {
			if strings.Contains(arg, tok) {
				return nil, fmt.Errorf("%w: %q", ErrForbiddenToken, arg)
			}
		}
		for _, frag := range forbiddenSubstrings {
			if strings.Contains(arg, frag) {
				return nil, fmt.Errorf("%w: %q", ErrForbiddenToken, arg)
			}
		}
	}

	return argv, nil
}
