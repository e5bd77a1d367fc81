package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-host/core"
	"github.com/wippyai/wasm-host/errors"
)

var (
	accent = lipgloss.Color("#5FAFD7")
	muted  = lipgloss.Color("#808080")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(accent).Padding(0, 1)
	cursorStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	sigStyle    = lipgloss.NewStyle().Foreground(muted)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#87D787"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D75F5F"))
	footerStyle = lipgloss.NewStyle().Foreground(muted).MarginTop(1)
)

type keyMap struct {
	up, down, call, next, back, quit key.Binding
}

var keys = keyMap{
	up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	call: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "call")),
	next: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next field")),
	back: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	quit: key.NewBinding(key.WithKeys("ctrl+c", "q"), key.WithHelp("q", "quit")),
}

func helpLine(bindings ...key.Binding) string {
	parts := make([]string, len(bindings))
	for i, b := range bindings {
		h := b.Help()
		parts[i] = h.Key + " " + h.Desc
	}
	return footerStyle.Render(strings.Join(parts, "  ·  "))
}

type screen int

const (
	screenPick screen = iota
	screenArgs
	screenRunning
	screenOutcome
)

type export struct {
	name string
	def  api.FunctionDefinition
}

// invokedMsg reports one finished call.
type invokedMsg struct {
	out string
	err error
}

// runner drives one template from a terminal. Each call gets its own store,
// so a trapped or timed out call leaves nothing behind.
type runner struct {
	ctx     context.Context
	host    *host
	pre     core.InstancePre[invocation]
	opts    *options
	exports []export
	fields  []textinput.Model
	spin    spinner.Model
	out     string
	err     error
	cursor  int
	focus   int
	seq     int
	screen  screen
}

func newRunner(ctx context.Context, h *host, pre core.InstancePre[invocation], o *options) *runner {
	r := &runner{ctx: ctx, host: h, pre: pre, opts: o, spin: spinner.New(spinner.WithSpinner(spinner.Dot))}
	for _, name := range pre.Exports() {
		def, _ := pre.ExportedFunction(name)
		r.exports = append(r.exports, export{name: name, def: def})
	}
	return r
}

func (r *runner) Init() tea.Cmd {
	return nil
}

func (r *runner) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case invokedMsg:
		r.out, r.err = msg.out, msg.err
		r.screen = screenOutcome
		return r, nil
	case spinner.TickMsg:
		if r.screen != screenRunning {
			return r, nil
		}
		var cmd tea.Cmd
		r.spin, cmd = r.spin.Update(msg)
		return r, cmd
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || (r.screen != screenArgs && key.Matches(msg, keys.quit)) {
			return r, tea.Quit
		}
		switch r.screen {
		case screenPick:
			return r.updatePick(msg)
		case screenArgs:
			return r.updateArgs(msg)
		case screenOutcome:
			if key.Matches(msg, keys.call, keys.back) {
				r.screen = screenPick
			}
		}
	}
	return r, nil
}

func (r *runner) updatePick(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.up):
		r.cursor = max(r.cursor-1, 0)
	case key.Matches(msg, keys.down):
		r.cursor = min(r.cursor+1, len(r.exports)-1)
	case key.Matches(msg, keys.call) && len(r.exports) > 0:
		r.fields = newFields(r.exports[r.cursor].def)
		r.focus = 0
		if len(r.fields) == 0 {
			return r.start()
		}
		r.screen = screenArgs
	}
	return r, nil
}

func (r *runner) updateArgs(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.back):
		r.screen = screenPick
		return r, nil
	case key.Matches(msg, keys.call):
		return r.start()
	case key.Matches(msg, keys.next):
		r.fields[r.focus].Blur()
		r.focus = (r.focus + 1) % len(r.fields)
		return r, r.fields[r.focus].Focus()
	}
	var cmd tea.Cmd
	r.fields[r.focus], cmd = r.fields[r.focus].Update(msg)
	return r, cmd
}

func newFields(def api.FunctionDefinition) []textinput.Model {
	names := def.ParamNames()
	fields := make([]textinput.Model, len(def.ParamTypes()))
	for i, t := range def.ParamTypes() {
		in := textinput.New()
		in.Prompt = fmt.Sprintf("%-8s", fmt.Sprintf("p%d", i))
		if i < len(names) && names[i] != "" {
			in.Prompt = fmt.Sprintf("%-8s", names[i])
		}
		in.Prompt += " "
		in.Placeholder = api.ValueTypeName(t)
		in.CharLimit = 32
		if i == 0 {
			in.Focus()
		}
		fields[i] = in
	}
	return fields
}

// start runs the selected export in the background.
func (r *runner) start() (tea.Model, tea.Cmd) {
	e := r.exports[r.cursor]
	o := *r.opts
	o.params = make([]string, len(r.fields))
	for i, f := range r.fields {
		o.params[i] = f.Value()
	}
	r.seq++
	id := r.seq
	r.screen = screenRunning

	call := func() tea.Msg {
		out, err := r.host.invoke(r.ctx, r.pre, &o, e.name, id)
		return invokedMsg{out: out, err: err}
	}
	return r, tea.Batch(call, r.spin.Tick)
}

func (r *runner) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)\n\n", headerStyle.Render("wasmhost"), r.opts.wasm, r.pre.Version())

	switch r.screen {
	case screenPick:
		if len(r.exports) == 0 {
			b.WriteString("no exported functions\n")
			b.WriteString(helpLine(keys.quit))
			break
		}
		for i, e := range r.exports {
			line := "  " + e.name
			if i == r.cursor {
				line = cursorStyle.Render("▸ " + e.name)
			}
			b.WriteString(line + " " + sigStyle.Render(strings.TrimPrefix(signature(e.name, e.def), e.name)) + "\n")
		}
		b.WriteString(helpLine(keys.up, keys.down, keys.call, keys.quit))

	case screenArgs:
		fmt.Fprintf(&b, "%s\n\n", cursorStyle.Render(signature(r.exports[r.cursor].name, r.exports[r.cursor].def)))
		for _, f := range r.fields {
			b.WriteString(f.View() + "\n")
		}
		b.WriteString(helpLine(keys.next, keys.call, keys.back))

	case screenRunning:
		fmt.Fprintf(&b, "%s running %s\n", r.spin.View(), r.exports[r.cursor].name)

	case screenOutcome:
		b.WriteString(r.outcome() + "\n")
		stats := r.host.engine.PoolStats()
		b.WriteString(sigStyle.Render(fmt.Sprintf("epoch %d, %s allocator, %d of %d slots in use",
			r.host.engine.Epoch(), stats.Strategy, stats.InUse, stats.Capacity)))
		b.WriteString("\n" + helpLine(keys.call, keys.quit))
	}
	return b.String()
}

func (r *runner) outcome() string {
	name := r.exports[r.cursor].name
	if r.err == nil {
		if r.out == "" {
			return okStyle.Render(name + " returned")
		}
		return okStyle.Render(name+" = ") + r.out
	}
	if code, ok := errors.ExitCode(r.err); ok {
		return failStyle.Render(fmt.Sprintf("%s exited with code %d", name, code))
	}
	return failStyle.Render(r.err.Error())
}

func runInteractive(ctx context.Context, h *host, pre core.InstancePre[invocation], o *options) error {
	_, err := tea.NewProgram(newRunner(ctx, h, pre, o), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
