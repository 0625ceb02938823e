package triage

import (
	"fmt"
	"strings"
)

// CommandAction is the parsed verb of a comment command.
type CommandAction string

const (
	ActionApprove CommandAction = "approve"
	ActionRevise  CommandAction = "revise"
	ActionReject  CommandAction = "reject"
)

// Command is a parsed slash command from a tracker comment replying to the
// bot's draft. Authorization is delegated to the tracker: only users with
// write access can comment on the issue in the first place.
type Command struct {
	Action CommandAction
	Text   string // replacement text, revise only
	Author string
}

// ParseCommand parses a comment body into a Command. It returns (nil, nil)
// when the comment is not a command at all, and ErrBadCommand when it looks
// like one but does not match the grammar:
//
//	/approve
//	/revise "<replacement text>"
//	/reject
func ParseCommand(body string) (*Command, error) {
	line := strings.TrimSpace(body)
	if !strings.HasPrefix(line, "/") {
		return nil, nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "/approve":
		if rest != "" {
			return nil, fmt.Errorf("%w: /approve takes no arguments", ErrBadCommand)
		}
		return &Command{Action: ActionApprove}, nil

	case "/reject":
		if rest != "" {
			return nil, fmt.Errorf("%w: /reject takes no arguments", ErrBadCommand)
		}
		return &Command{Action: ActionReject}, nil

	case "/revise":
		text, err := parseQuoted(rest)
		if err != nil {
			return nil, err
		}
		return &Command{Action: ActionRevise, Text: text}, nil

	default:
		// Unknown slash prefix: not ours, ignore (e.g. /cc from other bots).
		return nil, nil
	}
}

// parseQuoted extracts the double-quoted argument of /revise. The quotes
// are required; anything else is malformed.
func parseQuoted(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' {
		return "", fmt.Errorf(`%w: /revise requires a quoted argument, e.g. /revise "new text"`, ErrBadCommand)
	}
	end := strings.LastIndexByte(s, '"')
	if end == 0 {
		return "", fmt.Errorf("%w: /revise argument has unbalanced quotes", ErrBadCommand)
	}
	if trailing := strings.TrimSpace(s[end+1:]); trailing != "" {
		return "", fmt.Errorf("%w: unexpected text after closing quote", ErrBadCommand)
	}
	text := s[1:end]
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: /revise replacement text is empty", ErrBadCommand)
	}
	return text, nil
}
