package chat

import "strings"

// Command is a parsed slash command, split into at most three parts so
// the argument keeps its internal spaces: "/qq play 七里香" becomes
// {Name: "/qq", Sub: "play", Arg: "七里香"}.
type Command struct {
	Name string
	Sub  string
	Arg  string
}

// ParseCommand parses a chat message into a command. ok is false when the
// message is not a command at all.
func ParseCommand(content string) (Command, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return Command{}, false
	}

	parts := strings.SplitN(content, " ", 3)
	cmd := Command{Name: parts[0]}
	if len(parts) > 1 {
		cmd.Sub = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		cmd.Arg = strings.TrimSpace(parts[2])
	}
	return cmd, true
}
