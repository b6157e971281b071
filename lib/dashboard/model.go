// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/consolegate/consolegate/lib/clock"
)

const (
	defaultInterval = 2 * time.Second

	// chromeHeight is the header, tab bar and footer.
	chromeHeight = 3
)

type tab int

const (
	tabWorkers tab = iota
	tabSessions
	tabCount
)

// snapshotMessage carries the result of one Source.Fetch.
type snapshotMessage struct {
	views []ReplicaView
	err   error
	at    time.Time
}

type tickMessage struct{}

// Config configures a Model.
type Config struct {
	Source Source

	// Interval between refreshes. Zero means two seconds.
	Interval time.Duration

	// Timeout bounds one refresh. Zero means Interval.
	Timeout time.Duration

	Clock clock.Clock
	Keys  *KeyMap
	Theme *Theme
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	source   Source
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	keys     KeyMap
	theme    Theme

	width  int
	height int
	tab    tab
	filter filter

	views     []ReplicaView
	fetchErr  error
	fetchedAt time.Time
	loading   bool

	body viewport.Model
}

// New returns a Model reading from config.Source.
func New(config Config) Model {
	model := Model{
		source:   config.Source,
		interval: config.Interval,
		timeout:  config.Timeout,
		clock:    config.Clock,
		keys:     DefaultKeyMap,
		theme:    DefaultTheme,
		filter:   newFilter(),
		loading:  true,
	}
	if model.interval <= 0 {
		model.interval = defaultInterval
	}
	if model.timeout <= 0 {
		model.timeout = model.interval
	}
	if model.clock == nil {
		model.clock = clock.Real()
	}
	if config.Keys != nil {
		model.keys = *config.Keys
	}
	if config.Theme != nil {
		model.theme = *config.Theme
	}
	return model
}

// Init starts the first fetch and the refresh timer.
func (model Model) Init() tea.Cmd {
	return tea.Batch(model.fetch(), model.tick())
}

func (model Model) fetch() tea.Cmd {
	source, timeout, clk := model.source, model.timeout, model.clock
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		views, err := source.Fetch(ctx)
		return snapshotMessage{views: views, err: err, at: clk.Now()}
	}
}

func (model Model) tick() tea.Cmd {
	return tea.Tick(model.interval, func(time.Time) tea.Msg {
		return tickMessage{}
	})
}

// Update handles one bubbletea message.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.body.Width = message.Width
		model.body.Height = max(1, message.Height-chromeHeight)
		model.rerender()
		return model, nil

	case snapshotMessage:
		model.loading = false
		model.fetchedAt = message.at
		model.fetchErr = message.err
		// A failed refresh keeps the last good snapshot on screen.
		if message.err == nil {
			model.views = message.views
		}
		model.rerender()
		return model, nil

	case tickMessage:
		if model.loading {
			return model, model.tick()
		}
		model.loading = true
		return model, tea.Batch(model.fetch(), model.tick())

	case tea.KeyMsg:
		return model.handleKey(message)
	}
	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.filter.editing {
		return model.handleFilterKey(message)
	}
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit
	case key.Matches(message, model.keys.NextTab):
		model.switchTab((model.tab + 1) % tabCount)
	case key.Matches(message, model.keys.Workers):
		model.switchTab(tabWorkers)
	case key.Matches(message, model.keys.Sessions):
		model.switchTab(tabSessions)
	case key.Matches(message, model.keys.Refresh):
		if !model.loading {
			model.loading = true
			return model, model.fetch()
		}
	case key.Matches(message, model.keys.Up):
		model.scroll(-1)
	case key.Matches(message, model.keys.Down):
		model.scroll(1)
	case key.Matches(message, model.keys.PageUp):
		model.scroll(-model.body.Height)
	case key.Matches(message, model.keys.PageDown):
		model.scroll(model.body.Height)
	case key.Matches(message, model.keys.Home):
		model.body.GotoTop()
	case key.Matches(message, model.keys.Filter):
		model.filter.editing = true
	case key.Matches(message, model.keys.FilterClear):
		if !model.filter.empty() {
			model.filter.clear()
			model.rerender()
		}
	}
	return model, nil
}

// handleFilterKey edits the filter query. Enter keeps the query and
// returns the keys to navigation; escape drops it.
func (model Model) handleFilterKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch message.Type {
	case tea.KeyCtrlC:
		return model, tea.Quit
	case tea.KeyEsc:
		model.filter.clear()
	case tea.KeyEnter:
		model.filter.editing = false
		return model, nil
	case tea.KeyBackspace:
		model.filter.backspace()
	case tea.KeyRunes, tea.KeySpace:
		model.filter.appendRunes(message.Runes)
	default:
		return model, nil
	}
	model.rerender()
	model.body.GotoTop()
	return model, nil
}

func (model *Model) switchTab(next tab) {
	if next == model.tab {
		return
	}
	model.tab = next
	model.rerender()
	model.body.GotoTop()
}

func (model *Model) scroll(delta int) {
	limit := max(0, model.body.TotalLineCount()-model.body.Height)
	offset := min(max(model.body.YOffset+delta, 0), limit)
	model.body.SetYOffset(offset)
}

// rerender rebuilds the scrollable body, keeping the scroll position
// where the new content allows it.
func (model *Model) rerender() {
	previous := model.body.YOffset
	var content string
	switch model.tab {
	case tabSessions:
		content = model.renderSessions()
	default:
		content = model.renderWorkers()
	}
	model.body.SetContent(content)
	model.body.SetYOffset(0)
	model.scroll(previous)
}

// View renders the whole screen.
func (model Model) View() string {
	if model.width == 0 {
		return "consolegate top: waiting for the terminal size\n"
	}
	body := lipgloss.NewStyle().Height(model.body.Height).Render(model.body.View())
	return lipgloss.JoinVertical(lipgloss.Left,
		model.renderHeader(),
		model.renderTabs(),
		body,
		model.renderFooter(),
	)
}
