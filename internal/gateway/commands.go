package gateway

import "strings"

// Command is a parsed slash command from a chat message.
type Command struct {
	Name string
	Arg  string
}

// ParseCommand recognizes slash commands of the form "/name [arg]".
// Non-command text returns ok=false and flows to the backend as a
// normal analyst message.
func ParseCommand(text string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false
	}
	fields := strings.Fields(trimmed)
	cmd := Command{Name: strings.ToLower(strings.TrimPrefix(fields[0], "/"))}
	if len(fields) > 1 {
		cmd.Arg = strings.Join(fields[1:], " ")
	}
	return cmd, true
}
