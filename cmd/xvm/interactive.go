package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-xvm/exec"
	"github.com/wippyai/wasm-xvm/wasi"
)

func (a *app) interactiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "interactive <artifact|in.wasm|in.wat>",
		Aliases: []string{"i"},
		Short:   "Pick exported functions and call them from a terminal UI.",
		Example: "xvm interactive counter.xvm --gas 100000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newInteractiveModel(a, args[0])
			defer m.close()
			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
}

type interactiveModel struct {
	app       *app
	err       error
	code      *exec.Code
	closeCode func()
	filename  string
	result    string
	gasUsed   uint64
	output    string
	funcs     []funcInfo
	inputs    []textinput.Model
	selected  int
	focusIdx  int
	state     modelState
}

type funcInfo struct {
	name string
	typ  exec.FuncType
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(a *app, filename string) *interactiveModel {
	return &interactiveModel{
		app:      a,
		filename: filename,
		state:    stateSelectFunc,
	}
}

type loadedMsg struct {
	err       error
	code      *exec.Code
	closeCode func()
	funcs     []funcInfo
}

type callResultMsg struct {
	err     error
	result  string
	gasUsed uint64
	output  string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadCode
}

func (m *interactiveModel) loadCode() tea.Msg {
	code, closeCode, err := m.app.openCode(context.Background(), m.filename)
	if err != nil {
		return loadedMsg{err: err}
	}
	var funcs []funcInfo
	for _, name := range code.Exports() {
		ft, _ := code.Export(name)
		funcs = append(funcs, funcInfo{name: name, typ: ft})
	}
	return loadedMsg{code: code, closeCode: closeCode, funcs: funcs}
}

func (m *interactiveModel) close() {
	if m.closeCode != nil {
		m.closeCode()
		m.closeCode = nil
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state != stateInputArgs || msg.String() == "ctrl+c" {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.reset()
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.reset()
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.funcs = msg.funcs
		m.code = msg.code
		m.closeCode = msg.closeCode

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.gasUsed = msg.gasUsed
		m.output = msg.output
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) reset() {
	m.state = stateSelectFunc
	m.result = ""
	m.output = ""
	m.err = nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.typ.Params))
	for i, t := range f.typ.Params {
		ti := textinput.New()
		ti.Placeholder = api.ValueTypeName(t)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

// callFunction runs the selected function in a fresh context so every call
// starts from the code's initial state.
func (m *interactiveModel) callFunction() tea.Msg {
	ctx := context.Background()
	if m.code == nil {
		return callResultMsg{err: fmt.Errorf("code not loaded")}
	}

	f := m.funcs[m.selected]
	args := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		args[i] = input.Value()
	}
	params, err := parseArgs(f.typ, args)
	if err != nil {
		return callResultMsg{err: err}
	}

	var msg callResultMsg
	err = m.code.WithContext(ctx, &exec.ContextConfig{GasLimit: m.app.cfg.Gas}, func(xc *exec.Context) error {
		results, err := xc.Call(ctx, f.name, params...)
		msg.gasUsed = xc.GasUsed()
		msg.output = string(wasi.Stdout(xc)) + string(wasi.Stderr(xc))
		if err != nil {
			return err
		}
		msg.result = formatResults(f.typ, results)
		if msg.result == "" {
			msg.result = "ok"
		}
		return nil
	})
	msg.err = err
	return msg
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.code == nil {
		return "Loading code..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("xvm"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("No exported functions.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + f.name + f.typ.String()))
			} else {
				b.WriteString(cursor + formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render(fmt.Sprintf("↑/↓ select • enter call • q quit • gas limit %d", m.app.cfg.Gas)))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(api.ValueTypeName(f.typ.Params[i])))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		if m.output != "" {
			b.WriteString(m.output)
			if !strings.HasSuffix(m.output, "\n") {
				b.WriteString("\n")
			}
		}
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n")
		b.WriteString(typeStyle.Render(fmt.Sprintf("gas used: %d", m.gasUsed)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatFunc(f funcInfo) string {
	return funcStyle.Render(f.name) + typeStyle.Render(f.typ.String())
}
