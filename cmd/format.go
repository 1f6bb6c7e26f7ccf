package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rubiojr/pulse/pkg/core"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	unreadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("33"))

	noDataStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			Margin(1, 0)

	statusStyles = map[string]lipgloss.Style{
		"connected":    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"reconnecting": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"offline":      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}

	titleCaser = cases.Title(language.English)
)

// formatNumber formats a number with K/M suffixes for readability
func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	} else if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	} else {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
}

// formatTime formats a time relative to now or as an absolute date
func formatTime(t time.Time, now time.Time) string {
	diff := now.Sub(t)

	if diff < 24*time.Hour {
		if diff < time.Hour {
			minutes := int(diff.Minutes())
			if minutes < 1 {
				return "just now"
			}
			if minutes == 1 {
				return "1 minute ago"
			}
			return fmt.Sprintf("%d minutes ago", minutes)
		}
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}

	if diff < 7*24*time.Hour {
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}

	if t.Year() == now.Year() {
		return t.Format("Jan 2, 15:04")
	}
	return t.Format("Jan 2, 2006")
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%.1f hours", d.Hours())
	}
	return fmt.Sprintf("%.1f days", d.Hours()/24)
}

// eventLabel turns rating_added into "Rating Added".
func eventLabel(t core.EventType) string {
	return titleCaser.String(strings.ReplaceAll(string(t), "_", " "))
}

func formatActivity(e core.ActivityEvent, now time.Time) string {
	line := fmt.Sprintf("%s %s", headerStyle.Render(eventLabel(e.Type)), core.Summary(e))
	return line + " " + metaStyle.Render(formatTime(e.Timestamp, now))
}

func formatNotification(n core.Notification, now time.Time) string {
	marker := " "
	title := n.Title
	if !n.Read {
		marker = "•"
		title = unreadStyle.Render(title)
	}
	return fmt.Sprintf("%s %s %s: %s %s", marker, metaStyle.Render(n.ID[:min(8, len(n.ID))]),
		title, n.Message, metaStyle.Render(formatTime(n.CreatedAt, now)))
}

func formatViewer(p core.PresenceState, now time.Time) string {
	name := p.Username
	if name == "" {
		name = p.UserID
	}
	if p.Anonymous() {
		name = "anonymous"
	}
	return fmt.Sprintf("  %s %s", name, metaStyle.Render("since "+formatTime(p.JoinedAt, now)))
}

func formatStatus(s string) string {
	style, ok := statusStyles[s]
	if !ok {
		return s
	}
	return style.Render(s)
}

// writeJSON prints v as a single NDJSON line.
func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
