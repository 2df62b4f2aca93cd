package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/rq/internal/application"
)

type resumeDoneMsg struct {
	report application.Report
	err    error
}

type resumeSpinnerModel struct {
	spinner spinner.Model
	label   string
	resume  tea.Cmd
	report  application.Report
	err     error
	done    bool
}

func newResumeSpinnerModel(label string, resume tea.Cmd) resumeSpinnerModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
	)

	return resumeSpinnerModel{
		spinner: s,
		label:   label,
		resume:  resume,
	}
}

func (m resumeSpinnerModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.resume)
}

func (m resumeSpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case resumeDoneMsg:
		m.done = true
		m.report = msg.report
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m resumeSpinnerModel) View() string {
	if m.done {
		return ""
	}

	return fmt.Sprintf("%s %s", m.spinner.View(), m.label)
}

// runResumeSpinner runs resume while a spinner is drawn on output.
func runResumeSpinner(ctx context.Context, output io.Writer, resume func(context.Context) (application.Report, error)) (application.Report, error) {
	resumeCmd := func() tea.Msg {
		report, err := resume(ctx)
		return resumeDoneMsg{report: report, err: err}
	}

	p := tea.NewProgram(
		newResumeSpinnerModel("Resuming pending requests...", resumeCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return application.Report{}, err
	}

	result, ok := finalModel.(resumeSpinnerModel)
	if !ok {
		return application.Report{}, fmt.Errorf("unexpected final spinner model type %T", finalModel)
	}

	return result.report, result.err
}
