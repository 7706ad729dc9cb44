package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	devruntime "github.com/plugwork/dev-runtime"
	"github.com/plugwork/dev-runtime/control"
	"github.com/plugwork/dev-runtime/param"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	rangeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type editorState int

const (
	stateList editorState = iota
	stateEdit
)

type editorModel struct {
	client *control.Client
	notes  chan notifyMsg
	module string

	params   []control.ParameterState
	stats    devruntime.Stats
	selected int
	state    editorState
	input    textinput.Model

	status    string
	statusErr bool
}

type paramsMsg struct {
	params []control.ParameterState
	err    error
}

type statsMsg struct {
	stats devruntime.Stats
	err   error
}

type notifyMsg struct {
	method string
	params json.RawMessage
}

type setDoneMsg struct{ err error }

type tickMsg time.Time

func newEditorModel(client *control.Client, notes chan notifyMsg, module string) *editorModel {
	return &editorModel{client: client, notes: notes, module: module}
}

func (m *editorModel) Init() tea.Cmd {
	return tea.Batch(m.fetchParams, m.fetchStats, listenNotes(m.notes), tickCmd())
}

// listenNotes turns the next pushed notification into a message. Re-armed
// after every delivery.
func listenNotes(ch chan notifyMsg) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return n
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func (m *editorModel) fetchParams() tea.Msg {
	ctx, cancel := callCtx()
	defer cancel()
	ps, err := m.client.GetAllParameters(ctx)
	return paramsMsg{params: ps, err: err}
}

func (m *editorModel) fetchStats() tea.Msg {
	ctx, cancel := callCtx()
	defer cancel()
	st, err := m.client.GetStats(ctx)
	return statsMsg{stats: st, err: err}
}

func (m *editorModel) setValue(id string, v float64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := callCtx()
		defer cancel()
		return setDoneMsg{err: m.client.SetParameter(ctx, id, v)}
	}
}

func (m *editorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateEdit {
			return m.updateEdit(msg)
		}
		return m.updateList(msg)

	case paramsMsg:
		if msg.err != nil {
			m.status, m.statusErr = msg.err.Error(), true
			return m, nil
		}
		m.params = msg.params
		if m.selected >= len(m.params) {
			m.selected = max(len(m.params)-1, 0)
		}
		return m, nil

	case statsMsg:
		if msg.err == nil {
			m.stats = msg.stats
		}
		return m, nil

	case notifyMsg:
		return m, tea.Batch(m.handleNotify(msg), listenNotes(m.notes))

	case setDoneMsg:
		if msg.err != nil {
			m.status, m.statusErr = msg.err.Error(), true
			// Resync: the optimistic local value was not accepted.
			return m, m.fetchParams
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchStats, tickCmd())
	}
	return m, nil
}

func (m *editorModel) handleNotify(n notifyMsg) tea.Cmd {
	switch n.method {
	case control.NotifyParameterChanged:
		var pv control.ParameterValue
		if json.Unmarshal(n.params, &pv) == nil {
			for i := range m.params {
				if m.params[i].ID == pv.ID {
					m.params[i].Value = pv.Value
				}
			}
		}

	case control.NotifyParametersChanged:
		m.status, m.statusErr = "module reloaded", false
		return tea.Batch(m.fetchParams, m.fetchStats)

	case control.NotifyReloadFailed:
		var note control.ReloadFailedNote
		if json.Unmarshal(n.params, &note) == nil {
			m.status = fmt.Sprintf("reload failed [%s]: %s", note.Phase, note.Error)
			if note.Remedy != "" {
				m.status += " (" + note.Remedy + ")"
			}
			m.statusErr = true
		}
	}
	return nil
}

func (m *editorModel) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}

	case "down", "j":
		if m.selected < len(m.params)-1 {
			m.selected++
		}

	case "left", "h":
		return m, m.nudge(-1)

	case "right", "l":
		return m, m.nudge(+1)

	case "d":
		if p, ok := m.current(); ok && p.Value != p.Default {
			m.params[m.selected].Value = p.Default
			return m, m.setValue(p.ID, p.Default)
		}

	case "enter", "e":
		if p, ok := m.current(); ok {
			ti := textinput.New()
			ti.Prompt = p.Name + ": "
			ti.Placeholder = formatValue(p.Descriptor, p.Value)
			ti.Width = 30
			ti.Focus()
			m.input = ti
			m.state = stateEdit
		}

	case "r":
		return m, tea.Batch(m.fetchParams, m.fetchStats)
	}
	return m, nil
}

func (m *editorModel) updateEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "esc":
		m.state = stateList
		return m, nil

	case "enter":
		p, ok := m.current()
		if !ok {
			m.state = stateList
			return m, nil
		}
		v, err := parseValue(p.Descriptor, m.input.Value())
		if err != nil {
			m.status, m.statusErr = err.Error(), true
			return m, nil
		}
		m.state = stateList
		m.status, m.statusErr = "", false
		m.params[m.selected].Value = v
		return m, m.setValue(p.ID, v)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// nudge moves the selected parameter one step and pushes the new value.
func (m *editorModel) nudge(dir float64) tea.Cmd {
	p, ok := m.current()
	if !ok {
		return nil
	}
	v := p.Value + dir*step(p.Descriptor)
	if v < p.Min {
		v = p.Min
	}
	if v > p.Max {
		v = p.Max
	}
	if v == p.Value {
		return nil
	}
	m.params[m.selected].Value = v
	return m.setValue(p.ID, v)
}

func (m *editorModel) current() (control.ParameterState, bool) {
	if m.selected < 0 || m.selected >= len(m.params) {
		return control.ParameterState{}, false
	}
	return m.params[m.selected], true
}

func step(d param.Descriptor) float64 {
	switch d.Kind {
	case param.KindBool, param.KindEnum:
		return 1
	default:
		return (d.Max - d.Min) / 50
	}
}

func formatValue(d param.Descriptor, v float64) string {
	switch d.Kind {
	case param.KindBool:
		if v >= 0.5 {
			return "on"
		}
		return "off"
	case param.KindEnum:
		i := int(v + 0.5)
		if i >= 0 && i < len(d.Variants) {
			return d.Variants[i]
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		s := strconv.FormatFloat(v, 'f', 3, 64)
		if d.Unit != "" {
			s += " " + d.Unit
		}
		return s
	}
}

func parseValue(d param.Descriptor, text string) (float64, error) {
	s := strings.TrimSpace(text)
	switch d.Kind {
	case param.KindBool:
		switch strings.ToLower(s) {
		case "on", "true", "1", "yes":
			return 1, nil
		case "off", "false", "0", "no":
			return 0, nil
		}
		return 0, fmt.Errorf("%q: want on or off", s)
	case param.KindEnum:
		for i, variant := range d.Variants {
			if strings.EqualFold(variant, s) {
				return float64(i), nil
			}
		}
		if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(d.Variants) {
			return float64(n), nil
		}
		return 0, fmt.Errorf("%q: want one of %s", s, strings.Join(d.Variants, ", "))
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", s)
		}
		if !d.InRange(v) {
			return 0, fmt.Errorf("%g outside [%g, %g]", v, d.Min, d.Max)
		}
		return v, nil
	}
}

func (m *editorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Plugwork Dev Host"))
	b.WriteString(" ")
	b.WriteString(m.module)
	b.WriteString("\n\n")

	if len(m.params) == 0 {
		b.WriteString("No parameters yet. Waiting for the first build to land.\n")
	}

	for i, p := range m.params {
		line := fmt.Sprintf("%-14s %14s  %s",
			p.Name, formatValue(p.Descriptor, p.Value), describeRange(p.Descriptor))
		if i == m.selected && m.state == stateList {
			b.WriteString(selectedStyle.Render("> " + line))
		} else if i == m.selected {
			b.WriteString("> " + nameStyle.Render(line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}

	if m.state == stateEdit {
		b.WriteString("\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter apply • esc cancel"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render(fmt.Sprintf(
		"gen %d • blocks %d • applied %d • overwrites %d • silent %d",
		m.stats.Generation, m.stats.Blocks, m.stats.ParamsApplied,
		m.stats.Overwrites, m.stats.ProcessFailures)))
	b.WriteString("\n")

	if m.status != "" {
		if m.statusErr {
			b.WriteString(errorStyle.Render(m.status))
		} else {
			b.WriteString(okStyle.Render(m.status))
		}
		b.WriteString("\n")
	}

	if m.state == stateList {
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • ←/→ adjust • enter edit • d default • r refresh • q quit"))
	}

	return b.String()
}

func describeRange(d param.Descriptor) string {
	switch d.Kind {
	case param.KindBool:
		return rangeStyle.Render("bool")
	case param.KindEnum:
		return rangeStyle.Render(strings.Join(d.Variants, "/"))
	default:
		return rangeStyle.Render(fmt.Sprintf("%g..%g", d.Min, d.Max))
	}
}

// runInteractive mounts the parameter editor over an in-process transport.
// Returns when the user quits or ctx ends.
func runInteractive(ctx context.Context, host *control.Host, module string) error {
	notes := make(chan notifyMsg, 32)
	client := control.Pipe(ctx, host, &control.ClientOptions{
		OnNotify: func(method string, params json.RawMessage) {
			select {
			case notes <- notifyMsg{method: method, params: params}:
			default:
			}
		},
	})
	defer client.Close()

	p := tea.NewProgram(newEditorModel(client, notes, module), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	}
	return nil
}
