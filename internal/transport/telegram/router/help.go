package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in HTML parse mode.
func (m *CommandManager) helpText(args []string) string {
	if len(args) > 0 {
		word := sanitizeTelegramCommand(args[0])
		if c, ok := m.lookup(word); ok {
			return commandHelpHTML(c)
		}
		return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
	}

	lines := []string{"📚 <b>Commands</b>", ""}
	for _, c := range m.sortedCommands() {
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Type <code>/help &lt;command&gt;</code> for details.")
	return strings.Join(lines, "\n")
}

func commandHelpHTML(c *Command) string {
	lines := []string{"📚 <b>/" + html.EscapeString(c.Name) + "</b>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>owners only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := append([]string(nil), c.Aliases...)
		sort.Strings(al)
		lines = append(lines, "", "<b>Aliases</b>")
		for _, a := range al {
			lines = append(lines, "• <code>/"+html.EscapeString(a)+"</code>")
		}
	}
	return strings.Join(lines, "\n")
}
