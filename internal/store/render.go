package store

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	badgeHigh   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#ef4444")).Padding(0, 1)
	badgeNormal = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#94a3b8")).Padding(0, 1)
	badgeLow    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#10b981")).Padding(0, 1)
	doneStyle   = lipgloss.NewStyle().Strikethrough(true).Foreground(lipgloss.Color("#94a3b8"))
	categoryFg  = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748b"))
)

// RenderOptions controls terminal rendering of tasks.
type RenderOptions struct {
	// Style is a glamour style name: auto, dark, light, notty, ascii.
	Style string
	Width int
	Plain bool
}

// PriorityBadge renders the colored "High"/"Normal"/"Low" label.
func PriorityBadge(p Priority, plain bool) string {
	label := priorityLabel(p)
	if plain {
		return "[" + label + "]"
	}
	switch p {
	case PriorityHigh:
		return badgeHigh.Render(label)
	case PriorityLow:
		return badgeLow.Render(label)
	default:
		return badgeNormal.Render(label)
	}
}

func priorityLabel(p Priority) string {
	s := string(p)
	if s == "" {
		return "Normal"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// RenderLine is the one-line list form of a task.
func RenderLine(t Task, opts RenderOptions) string {
	text := t.Text
	if t.Completed && !opts.Plain {
		text = doneStyle.Render(text)
	}
	line := fmt.Sprintf("[%s] %s %s", checkMark(t.Completed), text, PriorityBadge(t.Priority, opts.Plain))
	if t.Category != "" {
		cat := "#" + t.Category
		if !opts.Plain {
			cat = categoryFg.Render(cat)
		}
		line += " " + cat
	}
	return line
}

func checkMark(done bool) string {
	if done {
		return "x"
	}
	return " "
}

// RenderMarkdown renders a task description for the terminal. Single
// newlines are kept as hard breaks. On renderer errors the raw text is
// returned.
func RenderMarkdown(desc string, opts RenderOptions) string {
	desc = strings.TrimSpace(desc)
	if desc == "" || opts.Plain {
		return desc
	}
	width := opts.Width
	if width <= 0 {
		width = 80
	}
	styleOpt := glamour.WithAutoStyle()
	if s := strings.TrimSpace(opts.Style); s != "" && s != "auto" {
		styleOpt = glamour.WithStandardStyle(s)
	}
	r, err := glamour.NewTermRenderer(
		styleOpt,
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return desc
	}
	out, err := r.Render(desc)
	if err != nil {
		return desc
	}
	return strings.Trim(out, "\n")
}

func RenderHuman(t Task, opts RenderOptions) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s\n", t.Text))
	b.WriteString(fmt.Sprintf("ID: %s\n", t.ID))
	status := "active"
	if t.Completed {
		status = "completed"
	}
	b.WriteString(fmt.Sprintf("Status: %s\n", status))
	b.WriteString(fmt.Sprintf("Priority: %s\n", PriorityBadge(t.Priority, opts.Plain)))
	if t.Category != "" {
		b.WriteString(fmt.Sprintf("Category: %s\n", t.Category))
	}
	if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(RenderMarkdown(t.Description, opts))
		b.WriteString("\n")
	}
	return b.String()
}

// StatsLine is the "N tasks • M active" summary.
func StatsLine(st Stats) string {
	noun := "tasks"
	if st.Total == 1 {
		noun = "task"
	}
	return fmt.Sprintf("%d %s • %d active • %d completed", st.Total, noun, st.Active, st.Completed)
}
