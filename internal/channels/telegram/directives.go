package telegram

import (
	"strings"
)

// engineDirectives maps a message-prefix token to the engine ID it selects
// for that single turn (spec.md §6).
var engineDirectives = map[string]string{
	"/claude":   "claude",
	"/codex":    "codex",
	"/opencode": "opencode",
	"/pi":       "pi",
}

// inputDirectives is what parseInputDirectives extracted from the start of
// an inbound message, plus whatever text remains as the actual prompt.
type inputDirectives struct {
	Engine       string // non-empty: one-shot engine override for this turn
	AgentToggle  bool   // "/agent" seen
	AgentName    string // engine named after "/agent", if any
	Project      string // project alias bound via "/<alias>"
	Branch       string // branch bound via "@<branch>"
	Prompt       string
}

// parseInputDirectives strips recognized prefix tokens (space-separated,
// at the very start of the message) and returns what's left as the prompt.
// isProject reports whether a "/word" token names a configured project
// alias, so an unrecognized "/word" falls through untouched into the
// prompt rather than being silently eaten.
func parseInputDirectives(text string, isProject func(alias string) bool) inputDirectives {
	var d inputDirectives
	fields := strings.Fields(text)
	i := 0

	for i < len(fields) {
		tok := fields[i]
		lower := strings.ToLower(tok)

		switch {
		case lower == "/agent":
			d.AgentToggle = true
			i++
			if i < len(fields) && !strings.HasPrefix(fields[i], "/") && !strings.HasPrefix(fields[i], "@") {
				d.AgentName = strings.ToLower(fields[i])
				i++
			}
			continue

		case engineDirectives[lower] != "":
			d.Engine = engineDirectives[lower]
			i++
			continue

		case strings.HasPrefix(tok, "@") && len(tok) > 1:
			d.Branch = tok[1:]
			i++
			continue

		case strings.HasPrefix(tok, "/") && len(tok) > 1 && isProject != nil && isProject(strings.ToLower(tok[1:])):
			d.Project = strings.ToLower(tok[1:])
			i++
			continue
		}

		break
	}

	d.Prompt = strings.TrimSpace(strings.Join(fields[i:], " "))
	return d
}
