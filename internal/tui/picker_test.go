package tui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpwhdash/internal/catalog"
	"hpwhdash/internal/dashboard"
)

type fakeBackend struct {
	view    dashboard.View
	forms   []dashboard.FormState
	toggled []string
	keys    []string
	perf    bool
}

func (f *fakeBackend) SetElements(context.Context) (dashboard.View, error) { return f.view, nil }

func (f *fakeBackend) ChangeMenuValue(_ context.Context, form dashboard.FormState) (dashboard.View, error) {
	f.forms = append(f.forms, form)
	v := f.view
	v.ModelID, v.TestList, v.TestID, v.DrawProfile = form.ModelID, form.TestList, form.TestID, form.DrawProfile
	return v, nil
}

func (f *fakeBackend) ToggleTestProc(context.Context) (dashboard.View, error) {
	f.toggled = append(f.toggled, "test")
	v := f.view
	v.TestPlotURL, v.ShowTestPlot = "http://localhost:8050", true
	return v, nil
}

func (f *fakeBackend) TogglePerfProc(context.Context) (dashboard.View, error) {
	f.toggled = append(f.toggled, "perf")
	f.perf = !f.perf
	return f.view, nil
}

func (f *fakeBackend) RunFitProc(context.Context) (dashboard.View, error) {
	f.toggled = append(f.toggled, "fit")
	return f.view, nil
}

func (f *fakeBackend) KeyPressed(_ context.Context, key string) error {
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeBackend) Active() (bool, bool) { return false, f.perf }

func baseView() dashboard.View {
	return dashboard.View{
		Models:                []dashboard.Option{{Value: "A", Label: "Model A"}, {Value: "B", Label: "Model B"}},
		ModelID:               "B",
		BuildDir:              "../../build",
		TestList:              catalog.AllTests,
		TestsWithDataDisabled: true,
		Tests:                 []dashboard.Option{{Value: "T1", Label: "T1"}, {Value: "T2", Label: "T2"}},
		TestID:                "T1",
		DrawProfile:           "auto",
		DrawProfileDisabled:   true,
	}
}

// drain runs cmd, expanding batches, and returns every message produced.
func drain(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, drain(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

// settle feeds the view produced by cmd back into the model.
func settle(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	for _, msg := range drain(cmd) {
		if vm, ok := msg.(viewMsg); ok {
			next, _ := m.Update(vm)
			return next.(Model)
		}
	}
	t.Fatal("no view produced")
	return m
}

func press(m Model, k tea.KeyMsg) (Model, tea.Cmd) {
	next, cmd := m.Update(k)
	return next.(Model), cmd
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func loaded(t *testing.T, b *fakeBackend) Model {
	t.Helper()
	m := New(context.Background(), b)
	return settle(t, m, m.Init())
}

func TestPickerLoadsView(t *testing.T) {
	m := loaded(t, &fakeBackend{view: baseView()})
	out := m.View()
	assert.Contains(t, out, "Model B")
	assert.Contains(t, out, "all tests")
	assert.Contains(t, out, "stopped")
}

func TestPickerCyclesModel(t *testing.T) {
	b := &fakeBackend{view: baseView()}
	m := loaded(t, b)

	m, cmd := press(m, tea.KeyMsg{Type: tea.KeyRight})
	m = settle(t, m, cmd)
	require.Len(t, b.forms, 1)
	assert.Equal(t, "A", b.forms[0].ModelID)
	assert.Equal(t, "T1", b.forms[0].TestID)
	assert.Equal(t, "A", m.view.ModelID)
}

func TestPickerSkipsDisabledTestList(t *testing.T) {
	b := &fakeBackend{view: baseView()}
	m := loaded(t, b)

	m, _ = press(m, tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := press(m, tea.KeyMsg{Type: tea.KeyRight})
	drain(cmd)
	require.Len(t, b.forms, 1)
	assert.Equal(t, catalog.StandardTests, b.forms[0].TestList)
}

func TestPickerIgnoresDisabledDrawProfile(t *testing.T) {
	b := &fakeBackend{view: baseView()}
	m := loaded(t, b)

	m, _ = press(m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, fieldDrawProfile, m.focus)
	_, cmd := press(m, tea.KeyMsg{Type: tea.KeyRight})
	assert.Nil(t, cmd)
	assert.Empty(t, b.forms)
}

func TestPickerTogglesProcesses(t *testing.T) {
	b := &fakeBackend{view: baseView()}
	m := loaded(t, b)

	m, cmd := press(m, runes("t"))
	assert.True(t, m.busy)
	m = settle(t, m, cmd)
	assert.False(t, m.busy)
	assert.Contains(t, m.View(), "http://localhost:8050")

	m, cmd = press(m, runes("p"))
	m = settle(t, m, cmd)
	m, cmd = press(m, runes("f"))
	m = settle(t, m, cmd)
	assert.Equal(t, []string{"test", "perf", "fit"}, b.toggled)

	_, cmd = press(m, runes("x"))
	drain(cmd)
	assert.Equal(t, []string{"x"}, b.keys)
}

func TestPickerQuits(t *testing.T) {
	m := loaded(t, &fakeBackend{view: baseView()})
	_, cmd := press(m, runes("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRefreshedReplacesView(t *testing.T) {
	m := loaded(t, &fakeBackend{view: baseView()})
	v := baseView()
	v.ModelID = "A"
	next, _ := m.Update(Refreshed(v))
	assert.True(t, strings.Contains(next.(Model).View(), "Model A"))
}

func TestCycleWraps(t *testing.T) {
	opts := []dashboard.Option{{Value: "a"}, {Value: "b"}, {Value: "c"}}
	assert.Equal(t, "c", cycle(opts, "a", -1))
	assert.Equal(t, "a", cycle(opts, "c", 1))
	assert.Equal(t, "b", cycle(opts, "missing", 1))
	assert.Equal(t, "x", cycle(nil, "x", 1))
}
