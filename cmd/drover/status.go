package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/driftlock/drover/internal/config"
	"github.com/driftlock/drover/internal/registry"
)

// runStatusCommand renders a one-shot snapshot of the session registry.
func runStatusCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: drover status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open registry: %v\n", err)
		return 1
	}

	styled := isatty.IsTerminal(os.Stdout.Fd())
	fmt.Print(renderStatus(reg.All(), styled))
	return 0
}

type statusStyles struct {
	title  lipgloss.Style
	label  lipgloss.Style
	active lipgloss.Style
	dim    lipgloss.Style
}

func newStatusStyles(styled bool) statusStyles {
	if !styled {
		plain := lipgloss.NewStyle()
		return statusStyles{title: plain, label: plain, active: plain, dim: plain}
	}
	return statusStyles{
		title:  lipgloss.NewStyle().Bold(true),
		label:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		active: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// renderStatus formats the registry snapshot: a summary line, active
// sessions grouped by agent, and the most recent terminal entries.
func renderStatus(entries []registry.Entry, styled bool) string {
	s := newStatusStyles(styled)
	var b strings.Builder

	var active, terminal []registry.Entry
	for _, e := range entries {
		if e.Status == registry.StatusActive {
			active = append(active, e)
		} else {
			terminal = append(terminal, e)
		}
	}

	b.WriteString(s.title.Render("drover session registry"))
	b.WriteString("\n")
	b.WriteString(s.label.Render(fmt.Sprintf("  active: %d   terminal: %d", len(active), len(terminal))))
	b.WriteString("\n")

	if len(active) > 0 {
		b.WriteString("\n" + s.title.Render("active sessions") + "\n")
		sort.Slice(active, func(i, j int) bool { return active[i].AgentID < active[j].AgentID })
		for _, e := range active {
			age := time.Since(time.UnixMilli(e.SpawnedAt)).Round(time.Second)
			b.WriteString(fmt.Sprintf("  %s  %s  %s\n",
				s.active.Render(e.AgentID),
				s.label.Render("task "+e.TaskID),
				s.dim.Render(fmt.Sprintf("up %s (%s)", age, e.ChildSessionKey))))
		}
	}

	if len(terminal) > 0 {
		sort.Slice(terminal, func(i, j int) bool {
			return completedMilli(terminal[i]) > completedMilli(terminal[j])
		})
		if len(terminal) > 5 {
			terminal = terminal[:5]
		}
		b.WriteString("\n" + s.title.Render("recent sessions") + "\n")
		for _, e := range terminal {
			detail := string(e.Status)
			if e.TokenUsage != nil {
				detail += fmt.Sprintf(", %d tokens", *e.TokenUsage)
			}
			b.WriteString(fmt.Sprintf("  %s  %s  %s\n",
				s.label.Render(e.AgentID),
				s.label.Render("task "+e.TaskID),
				s.dim.Render(detail)))
		}
	}

	return b.String()
}

func completedMilli(e registry.Entry) int64 {
	if e.CompletedAt != nil {
		return *e.CompletedAt
	}
	return e.SpawnedAt
}
