// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

// scopeWidth shows enough of a session fingerprint to tell scopes
// apart.
const scopeWidth = 12

type column struct {
	title string
	width int
}

var workerColumns = []column{
	{"MODULE", 18},
	{"SCOPE", scopeWidth},
	{"STATE", 9},
	{"PID", 8},
	{"OUT", 5},
	{"UPTIME", 10},
}

var sessionColumns = []column{
	{"USER", 18},
	{"KIND", 14},
	{"ORIGIN", 22},
	{"SCOPE", scopeWidth},
	{"BUSY", 5},
	{"EXPIRES", 16},
}

// cell pads or truncates text to exactly width cells.
func cell(text string, width int) string {
	text = ansi.Truncate(text, width, "…")
	if padding := width - ansi.StringWidth(text); padding > 0 {
		text += strings.Repeat(" ", padding)
	}
	return text
}

func (model *Model) fit(line string) string {
	if model.width <= 0 {
		return line
	}
	return ansi.Truncate(line, model.width, "")
}

func (model *Model) columnHeader(columns []column) string {
	style := lipgloss.NewStyle().Foreground(model.theme.FaintText).Bold(true)
	var builder strings.Builder
	builder.WriteString("  ")
	for _, col := range columns {
		builder.WriteString(cell(col.title, col.width))
		builder.WriteByte(' ')
	}
	return model.fit(style.Render(strings.TrimRight(builder.String(), " ")))
}

func (model *Model) replicaHeading(view ReplicaView) string {
	style := lipgloss.NewStyle().Foreground(model.theme.HeaderForeground).Bold(true)
	faint := lipgloss.NewStyle().Foreground(model.theme.FaintText)
	detail := fmt.Sprintf("  %s pid %d", view.Host, view.PID)
	if view.Version != "" {
		detail += "  " + view.Version
	}
	return model.fit(style.Render("replica "+view.ID) + faint.Render(detail))
}

// replicaProblem renders the placeholder line for a replica with no
// rows, or an unreachable admin socket.
func (model *Model) replicaProblem(view ReplicaView, empty string) (string, bool) {
	if view.Err != nil {
		style := lipgloss.NewStyle().Foreground(model.theme.ErrorText)
		return model.fit(style.Render("  unreachable: " + view.Err.Error())), true
	}
	if empty != "" {
		style := lipgloss.NewStyle().Foreground(model.theme.FaintText)
		return model.fit(style.Render("  " + empty)), true
	}
	return "", false
}

func (model *Model) renderWorkers() string {
	if len(model.views) == 0 {
		return model.emptyBody()
	}
	normal := lipgloss.NewStyle().Foreground(model.theme.NormalText)
	now := model.clock.Now()

	var lines []string
	for index, view := range model.views {
		if index > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, model.replicaHeading(view))
		empty := ""
		if len(view.Workers) == 0 {
			empty = "no workers"
		}
		if line, ok := model.replicaProblem(view, empty); ok {
			lines = append(lines, line)
			continue
		}
		lines = append(lines, model.columnHeader(workerColumns))

		workers := slices.Clone(view.Workers)
		slices.SortFunc(workers, func(a, b supervisor.Info) int {
			return cmp.Or(cmp.Compare(a.Module, b.Module), cmp.Compare(a.Scope, b.Scope))
		})
		workers = slices.DeleteFunc(workers, func(worker supervisor.Info) bool {
			return !model.filter.matches(worker.Module, worker.Scope, worker.State)
		})
		if len(workers) == 0 {
			lines = append(lines, model.noMatches())
			continue
		}
		for _, worker := range workers {
			stateStyle := lipgloss.NewStyle().Foreground(model.theme.StateColor(worker.State))
			pid := "-"
			if worker.Pid > 0 {
				pid = fmt.Sprint(worker.Pid)
			}
			module := worker.Module
			if worker.Proxy {
				module += " (proxy)"
			}
			line := "  " +
				normal.Render(cell(module, workerColumns[0].width)) + " " +
				normal.Render(cell(orDash(worker.Scope), workerColumns[1].width)) + " " +
				stateStyle.Render(cell(worker.State, workerColumns[2].width)) + " " +
				normal.Render(cell(pid, workerColumns[3].width)) + " " +
				normal.Render(cell(fmt.Sprint(worker.Outstanding), workerColumns[4].width)) + " " +
				normal.Render(since(now, worker.StartedAt))
			lines = append(lines, model.fit(line))
		}
	}
	return strings.Join(lines, "\n")
}

func (model *Model) renderSessions() string {
	if len(model.views) == 0 {
		return model.emptyBody()
	}
	normal := lipgloss.NewStyle().Foreground(model.theme.NormalText)
	warning := lipgloss.NewStyle().Foreground(model.theme.StateDraining)
	now := model.clock.Now()

	var lines []string
	for index, view := range model.views {
		if index > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, model.replicaHeading(view))
		empty := ""
		if len(view.Sessions) == 0 {
			empty = "no sessions"
		}
		if line, ok := model.replicaProblem(view, empty); ok {
			lines = append(lines, line)
			continue
		}
		lines = append(lines, model.columnHeader(sessionColumns))

		sessions := slices.Clone(view.Sessions)
		slices.SortFunc(sessions, func(a, b session.Info) int {
			return a.Deadline.Compare(b.Deadline)
		})
		sessions = slices.DeleteFunc(sessions, func(info session.Info) bool {
			return !model.filter.matches(info.Username, info.Kind, info.Origin, info.Fingerprint)
		})
		if len(sessions) == 0 {
			lines = append(lines, model.noMatches())
			continue
		}
		for _, info := range sessions {
			expires := "in " + roundDuration(info.Deadline.Sub(now))
			expiresStyle := normal
			if info.Expiring {
				expires = "expiring"
				expiresStyle = warning
			}
			line := "  " +
				normal.Render(cell(orDash(info.Username), sessionColumns[0].width)) + " " +
				normal.Render(cell(info.Kind, sessionColumns[1].width)) + " " +
				normal.Render(cell(info.Origin, sessionColumns[2].width)) + " " +
				normal.Render(cell(info.Fingerprint, sessionColumns[3].width)) + " " +
				normal.Render(cell(fmt.Sprint(info.InFlight), sessionColumns[4].width)) + " " +
				expiresStyle.Render(expires)
			lines = append(lines, model.fit(line))
		}
	}
	return strings.Join(lines, "\n")
}

func (model *Model) noMatches() string {
	style := lipgloss.NewStyle().Foreground(model.theme.FaintText)
	return model.fit(style.Render("  nothing matches " + strconv.Quote(model.filter.String())))
}

func (model *Model) emptyBody() string {
	style := lipgloss.NewStyle().Foreground(model.theme.FaintText)
	if model.loading && model.fetchedAt.IsZero() {
		return style.Render("  loading…")
	}
	return style.Render("  no gateway replicas registered")
}

func (model Model) totals() (workers, sessions int) {
	for _, view := range model.views {
		workers += len(view.Workers)
		sessions += len(view.Sessions)
	}
	return workers, sessions
}

func (model Model) renderHeader() string {
	workers, sessions := model.totals()
	text := fmt.Sprintf(" consolegate top   %d replica(s)  %d worker(s)  %d session(s)",
		len(model.views), workers, sessions)
	if !model.fetchedAt.IsZero() {
		text += "   updated " + model.fetchedAt.Local().Format(time.TimeOnly)
	}
	style := lipgloss.NewStyle().
		Foreground(model.theme.HeaderForeground).
		Background(model.theme.HeaderBackground).
		Bold(true).
		Width(model.width)
	return style.Render(ansi.Truncate(text, model.width, "…"))
}

func (model Model) renderTabs() string {
	workers, sessions := model.totals()
	labels := []string{
		fmt.Sprintf("Workers (%d)", workers),
		fmt.Sprintf("Sessions (%d)", sessions),
	}
	active := lipgloss.NewStyle().Foreground(model.theme.ActiveTab).Bold(true).Underline(true)
	inactive := lipgloss.NewStyle().Foreground(model.theme.FaintText)
	parts := make([]string, len(labels))
	for index, label := range labels {
		if tab(index) == model.tab {
			parts[index] = active.Render(label)
		} else {
			parts[index] = inactive.Render(label)
		}
	}
	line := " " + strings.Join(parts, "   ")
	if model.filter.editing || !model.filter.empty() {
		prompt := "/" + model.filter.String()
		if model.filter.editing {
			prompt += "█"
		}
		line += "   " + lipgloss.NewStyle().Foreground(model.theme.NormalText).Render(prompt)
	}
	return ansi.Truncate(line, model.width, "")
}

func (model Model) renderFooter() string {
	if model.fetchErr != nil {
		style := lipgloss.NewStyle().Foreground(model.theme.ErrorText)
		return style.Render(ansi.Truncate(" refresh failed: "+model.fetchErr.Error(), model.width, "…"))
	}
	var parts []string
	for _, binding := range model.keys.shortHelp() {
		help := binding.Help()
		parts = append(parts, help.Key+" "+help.Desc)
	}
	style := lipgloss.NewStyle().Foreground(model.theme.HelpText)
	return style.Render(ansi.Truncate(" "+strings.Join(parts, "  "), model.width, ""))
}

func orDash(text string) string {
	if text == "" {
		return "-"
	}
	return text
}

func since(now, start time.Time) string {
	if start.IsZero() {
		return "-"
	}
	return roundDuration(now.Sub(start))
}

func roundDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
