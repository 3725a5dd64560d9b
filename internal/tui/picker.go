// Package tui is a terminal version of the dashboard forms: pick a model,
// a test filter, a test and a draw profile, and start or stop the plot
// processes.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"hpwhdash/internal/catalog"
	"hpwhdash/internal/dashboard"
)

// Backend is the part of dashboard.Session the picker drives.
type Backend interface {
	SetElements(ctx context.Context) (dashboard.View, error)
	ChangeMenuValue(ctx context.Context, form dashboard.FormState) (dashboard.View, error)
	ToggleTestProc(ctx context.Context) (dashboard.View, error)
	TogglePerfProc(ctx context.Context) (dashboard.View, error)
	RunFitProc(ctx context.Context) (dashboard.View, error)
	KeyPressed(ctx context.Context, key string) error
	Active() (test, perf bool)
}

// DrawProfiles are the 24-hour test draw patterns.
var DrawProfiles = []string{"auto", "Very Small", "Low", "Medium", "High"}

var testLists = []dashboard.Option{
	{Value: string(catalog.AllTests), Label: "all tests"},
	{Value: string(catalog.TestsWithData), Label: "tests with data"},
	{Value: string(catalog.StandardTests), Label: "standard tests"},
}

type field int

const (
	fieldModel field = iota
	fieldTestList
	fieldTest
	fieldDrawProfile
	fieldCount
)

var fieldNames = [fieldCount]string{"model", "list", "test", "draw profile"}

type keyMap struct {
	Up, Down, Prev, Next key.Binding
	Test, Perf, Fit      key.Binding
	Quit                 key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Prev, k.Next, k.Test, k.Perf, k.Fit, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "field up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "field down")),
	Prev: key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "previous")),
	Next: key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "next")),
	Test: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "test plot")),
	Perf: key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "perf plot")),
	Fit:  key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "fit")),
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// viewMsg carries the outcome of a backend call.
type viewMsg struct {
	view dashboard.View
	err  error
}

type keySentMsg struct{ err error }

type refreshMsg struct{ view dashboard.View }

// Refreshed wraps a view produced outside the picker, such as the resync a
// plot process triggers when it starts, for tea.Program.Send.
func Refreshed(v dashboard.View) tea.Msg { return refreshMsg{view: v} }

// Model is the bubbletea model of the picker.
type Model struct {
	ctx     context.Context
	backend Backend

	view    dashboard.View
	loaded  bool
	focus   field
	busy    bool
	err     error
	spinner spinner.Model
	help    help.Model
}

func New(ctx context.Context, backend Backend) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = busyStyle
	return Model{ctx: ctx, backend: backend, spinner: sp, help: help.New(), busy: true}
}

func (m Model) call(fn func(context.Context) (dashboard.View, error)) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		v, err := fn(ctx)
		return viewMsg{view: v, err: err}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.call(m.backend.SetElements))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case viewMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil || len(msg.view.Models) > 0 {
			m.view, m.loaded = msg.view, true
		}
		return m, nil
	case refreshMsg:
		m.view, m.loaded = msg.view, true
		return m, nil
	case keySentMsg:
		m.err = msg.err
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, keys.Quit) {
		return m, tea.Quit
	}
	if m.busy {
		return m, nil
	}
	switch {
	case key.Matches(msg, keys.Up):
		m.focus = (m.focus + fieldCount - 1) % fieldCount
	case key.Matches(msg, keys.Down):
		m.focus = (m.focus + 1) % fieldCount
	case key.Matches(msg, keys.Prev):
		return m.step(-1)
	case key.Matches(msg, keys.Next):
		return m.step(1)
	case key.Matches(msg, keys.Test):
		m.busy = true
		return m, tea.Batch(m.spinner.Tick, m.call(m.backend.ToggleTestProc))
	case key.Matches(msg, keys.Perf):
		m.busy = true
		return m, tea.Batch(m.spinner.Tick, m.call(m.backend.TogglePerfProc))
	case key.Matches(msg, keys.Fit):
		m.busy = true
		return m, tea.Batch(m.spinner.Tick, m.call(m.backend.RunFitProc))
	default:
		if _, perf := m.backend.Active(); perf {
			ctx, k := m.ctx, msg.String()
			return m, func() tea.Msg { return keySentMsg{err: m.backend.KeyPressed(ctx, k)} }
		}
	}
	return m, nil
}

// step moves the focused field to its next or previous option and
// resyncs the forms.
func (m Model) step(dir int) (tea.Model, tea.Cmd) {
	form := m.view.Form()
	switch m.focus {
	case fieldModel:
		if m.view.ModelDisabled {
			return m, nil
		}
		form.ModelID = cycle(m.view.Models, form.ModelID, dir)
	case fieldTestList:
		next := cycle(testLists, string(form.TestList), dir)
		if next == string(catalog.TestsWithData) && m.view.TestsWithDataDisabled {
			next = cycle(testLists, next, dir)
		}
		form.TestList = catalog.TestFilter(next)
	case fieldTest:
		if m.view.TestDisabled {
			return m, nil
		}
		form.TestID = cycle(m.view.Tests, form.TestID, dir)
	case fieldDrawProfile:
		if m.view.DrawProfileDisabled {
			return m, nil
		}
		opts := make([]dashboard.Option, len(DrawProfiles))
		for i, p := range DrawProfiles {
			opts[i] = dashboard.Option{Value: p, Label: p}
		}
		form.DrawProfile = cycle(opts, form.DrawProfile, dir)
	}
	m.busy = true
	return m, tea.Batch(m.spinner.Tick, m.call(func(ctx context.Context) (dashboard.View, error) {
		return m.backend.ChangeMenuValue(ctx, form)
	}))
}

func cycle(opts []dashboard.Option, current string, dir int) string {
	if len(opts) == 0 {
		return current
	}
	idx := 0
	for i, o := range opts {
		if o.Value == current {
			idx = i
			break
		}
	}
	idx = (idx + dir + len(opts)) % len(opts)
	return opts[idx].Value
}

func label(opts []dashboard.Option, value string) string {
	for _, o := range opts {
		if o.Value == value {
			return o.Label
		}
	}
	return value
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("HPWH dashboard"))
	b.WriteString("\n\n")
	if !m.loaded {
		b.WriteString(m.spinner.View() + " loading\n")
		return b.String()
	}

	rows := [fieldCount]struct {
		value    string
		disabled bool
	}{
		fieldModel:       {label(m.view.Models, m.view.ModelID), m.view.ModelDisabled},
		fieldTestList:    {label(testLists, string(m.view.TestList)), false},
		fieldTest:        {label(m.view.Tests, m.view.TestID), m.view.TestDisabled},
		fieldDrawProfile: {m.view.DrawProfile, m.view.DrawProfileDisabled},
	}
	for f := field(0); f < fieldCount; f++ {
		name := fmt.Sprintf("%-13s", fieldNames[f])
		value := rows[f].value
		if value == "" {
			value = "-"
		}
		switch {
		case rows[f].disabled:
			value = disabledStyle.Render(value)
		case f == m.focus:
			value = focusStyle.Render("‹ " + value + " ›")
		}
		cursor := "  "
		if f == m.focus {
			cursor = cursorStyle.Render("> ")
		}
		b.WriteString(cursor + labelStyle.Render(name) + value + "\n")
	}

	b.WriteString("\n")
	b.WriteString(procLine("test plot", m.view.TestPlotURL))
	b.WriteString(procLine("perf plot", m.view.PerfPlotURL))
	if m.view.ShowTestPlot {
		b.WriteString(labelStyle.Render("  last run   ") + m.view.SimulatedPath() + "\n")
	}

	if m.busy {
		b.WriteString("\n" + m.spinner.View() + " working\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("error: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + m.help.View(keys))
	return b.String()
}

func procLine(name, url string) string {
	state := disabledStyle.Render("stopped")
	if url != "" {
		state = activeStyle.Render(url)
	}
	return labelStyle.Render(fmt.Sprintf("  %-11s", name)) + state + "\n"
}
