package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"syndicate/pkg/types"
)

// Style definitions
var (
	// Color palette
	primaryColor = lipgloss.Color("#FF79C6") // Pink
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment
	bgLightColor = lipgloss.Color("#44475A") // Current Line
	fgColor      = lipgloss.Color("#F8F8F2") // Foreground
	cyanColor    = lipgloss.Color("#8BE9FD") // Cyan

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	iconStyle = lipgloss.NewStyle().
			Foreground(cyanColor).
			Bold(true).
			MarginRight(1)
)

// createPanel creates a styled panel with title and content
func createPanel(title, icon, content string) string {
	titleLine := iconStyle.Render(icon) + titleStyle.Render(title)
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func newStyledTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})
}

func renderFollowsTable(edges []types.FollowEdge) string {
	t := newStyledTable()
	t.Headers("EDGE ID", "TARGET", "NAME", "MODE", "RELAYS", "ADDED")

	for _, edge := range edges {
		mode := "originals"
		if edge.Recursive {
			mode = "recursive"
		}
		relays := len(edge.FollowChain)
		if relays > 0 {
			// The first chain entry is the target itself.
			relays--
		}
		t.Row(
			mutedStyle.Render(string(edge.ID)),
			accentValueStyle.Render(edge.Target),
			edge.DisplayName,
			mode,
			fmt.Sprintf("%d", relays),
			formatAge(edge.CreatedAt),
		)
	}
	return t.String()
}

func renderSessionsTable(sessions []sessionInfo) string {
	t := newStyledTable()
	t.Headers("TARGET", "STATUS", "LAST ACTIVITY", "RETRIES")

	for _, sess := range sessions {
		icon, color := sessionStatusLook(sess.Status)
		status := lipgloss.NewStyle().Foreground(color).Bold(true).
			Render(fmt.Sprintf("%s %s", icon, strings.ToUpper(sess.Status)))
		t.Row(
			accentValueStyle.Render(sess.Target),
			status,
			formatAge(sess.LastActivity),
			fmt.Sprintf("%d", sess.ReconnectAttempts),
		)
	}
	return t.String()
}

func sessionStatusLook(status string) (string, lipgloss.Color) {
	switch status {
	case "active":
		return "🟢", accentColor
	case "degraded", "connecting", "reconnecting":
		return "🟡", warningColor
	case "failed":
		return "🔴", dangerColor
	default:
		return "⚪", mutedColor
	}
}

func renderEntriesTable(entries []types.IndexEntry) string {
	t := newStyledTable()
	t.Headers("TITLE", "CATEGORY", "SOURCE", "TAGS", "PUBLISHED")

	for _, entry := range entries {
		title := entry.Title
		if entry.Featured {
			title = "★ " + title
		}
		source := entry.SourceSiteName
		if source == "" {
			source = entry.SourceSite
		}
		t.Row(
			valueStyle.Render(title),
			string(entry.CategoryID),
			source,
			mutedStyle.Render(strings.Join(entry.Tags, ", ")),
			formatAge(entry.Timestamp),
		)
	}
	return t.String()
}

func renderStatsPanel(stats types.IndexStats) string {
	var content strings.Builder

	line := func(label, value string, style lipgloss.Style) {
		content.WriteString(labelStyle.Render(label) + style.Render(value) + "\n")
	}

	line("Total Entries", fmt.Sprintf("%d", stats.TotalEntries), accentValueStyle)
	line("Sites", fmt.Sprintf("%d", len(stats.EntriesBySite)), valueStyle)
	line("Categories", fmt.Sprintf("%d", len(stats.EntriesByCategory)), valueStyle)
	if !stats.OldestEntry.IsZero() {
		line("Oldest", formatAge(stats.OldestEntry), valueStyle)
		line("Newest", formatAge(stats.NewestEntry), valueStyle)
	}

	for site, count := range stats.EntriesBySite {
		content.WriteString(mutedStyle.Render(fmt.Sprintf("  %s: %d", site, count)) + "\n")
	}

	return createPanel("Federation Index", "📚", strings.TrimRight(content.String(), "\n"))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
