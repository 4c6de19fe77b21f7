// Package ui holds the terminal styles used by mqctl.
package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
)

const (
	IconStar   = "⭐"
	IconLevel  = "📈"
	IconGrant  = "➕"
	IconKey    = "🔑"
	IconDB     = "🗄️"
	IconError  = "🧨"
	IconTrophy = "🏆"
)

var (
	cPrimary = lipgloss.Color("63")  // blue
	cAccent  = lipgloss.Color("205") // magenta
	cGood    = lipgloss.Color("42")  // green
	cWarn    = lipgloss.Color("214") // orange
	cBad     = lipgloss.Color("196") // red
	cMuted   = lipgloss.Color("244") // gray
	cGold    = lipgloss.Color("220") // gold
)

var (
	Title = lipgloss.NewStyle().Bold(true).Foreground(cAccent)
	H2    = lipgloss.NewStyle().Bold(true).Foreground(cPrimary)
	Muted = lipgloss.NewStyle().Foreground(cMuted)
	Key   = lipgloss.NewStyle().Bold(true).Foreground(cPrimary)
	Good  = lipgloss.NewStyle().Bold(true).Foreground(cGood)
	Warn  = lipgloss.NewStyle().Bold(true).Foreground(cWarn)
	Bad   = lipgloss.NewStyle().Bold(true).Foreground(cBad)
	Gold  = lipgloss.NewStyle().Bold(true).Foreground(cGold)

	BadgeLevelUp = lipgloss.NewStyle().Bold(true).Foreground(cGold).Render("LEVEL UP")
)

func Heading(icon string, title string) string {
	icon = strings.TrimSpace(icon)
	if icon != "" {
		icon += " "
	}
	return Title.Render(icon + title)
}

func LabelValue(label string, value any) string {
	return fmt.Sprintf("%s %v", Key.Render(label+":"), value)
}

// FormatXP renders an XP amount, using ∞ for the saturated value.
func FormatXP(xp progression.XP) string {
	if xp.IsInfinite() {
		return "∞"
	}
	return strconv.FormatInt(xp.Int64(), 10)
}

// ProgressBar draws the within-level progress of a snapshot.
func ProgressBar(s progression.LevelSnapshot, width int) string {
	if width <= 0 {
		width = 20
	}
	if s.IsMax {
		return Gold.Render(strings.Repeat("█", width)) + " " + Gold.Render("MAX")
	}
	filled := int(s.Percentage / 100 * float64(width))
	if filled > width {
		filled = width
	}
	bar := Good.Render(strings.Repeat("█", filled)) + Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %5.1f%%", bar, s.Percentage)
}

// Snapshot renders a player's level block.
func Snapshot(playerID string, s progression.LevelSnapshot) string {
	lines := []string{
		Heading(IconStar, playerID),
		LabelValue("Level", s.Level),
		LabelValue("Total XP", FormatXP(s.TotalXP)),
	}
	if s.IsMax {
		lines = append(lines, LabelValue("Next", Gold.Render("max level reached")))
	} else {
		lines = append(lines, LabelValue("Next", fmt.Sprintf("%s / %s (%s to go)",
			FormatXP(s.Progress), FormatXP(s.Needed), FormatXP(s.ToNext))))
	}
	lines = append(lines, ProgressBar(s, 24))
	return strings.Join(lines, "\n")
}

// LevelTable renders the curve rows. Rows past the reachable cap are dimmed.
func LevelTable(rows []progression.LevelThreshold, reachable progression.Level) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(cMuted)).
		Headers("LEVEL", "TO NEXT", "CUMULATIVE").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return H2.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for _, r := range rows {
		cells := []string{strconv.Itoa(r.Level.Int()), FormatXP(r.XPToNext), FormatXP(r.TotalXP)}
		if r.Level > reachable {
			for i := range cells {
				cells[i] = Muted.Render(cells[i])
			}
		}
		t.Row(cells...)
	}
	return t.Render()
}

// GrantTable renders audit trail rows, newest first.
func GrantTable(grants []progression.GrantRecord) string {
	if len(grants) == 0 {
		return Muted.Render("no grants recorded")
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(cMuted)).
		Headers("WHEN", "AMOUNT", "SOURCE", "REASON").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return H2.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for _, g := range grants {
		t.Row(
			g.GrantedAt.UTC().Format("2006-01-02 15:04:05"),
			"+"+FormatXP(g.Amount),
			g.Source.String(),
			g.Reason,
		)
	}
	return t.Render()
}
