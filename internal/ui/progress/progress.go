// Package progress renders prelift progress, either as a bubbletea view or
// as plain lines for non-interactive output.
package progress

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/zboralski/memlift/internal/lift"
	"github.com/zboralski/memlift/internal/ui/colorize"
)

// BatchMsg carries one finished batch into the model.
type BatchMsg lift.Progress

// DoneMsg ends the view.
type DoneMsg struct {
	Report *lift.Report
	Err    error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorize.ColorHeader))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorize.ColorDetail))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorize.ColorError))
)

// Model is the bubbletea model of a prelift run.
type Model struct {
	spin spinner.Model
	bar  progress.Model

	total  int
	done   int
	lifted int
	reused int
	failed int
	last   string

	finished bool
	report   *lift.Report
	err      error
	cancel   context.CancelFunc
}

// NewModel returns a model expecting total batches. cancel, when set, is
// called on ctrl+c or q.
func NewModel(total int, cancel context.CancelFunc) Model {
	return Model{
		spin:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(dimStyle)),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		total:  total,
		cancel: cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			m.last = "cancelling, waiting for running batches"
		}
		return m, nil

	case BatchMsg:
		m.done = msg.Done
		if msg.Total > 0 {
			m.total = msg.Total
		}
		r := msg.Result
		m.lifted += r.Lifted
		if r.Reused {
			m.reused++
		}
		m.failed += len(r.Failed)
		if r.Err != nil {
			m.failed++
		}
		m.last = r.Name
		return m, m.bar.SetPercent(m.percent())

	case DoneMsg:
		m.finished = true
		m.report = msg.Report
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bm, cmd := m.bar.Update(msg)
		m.bar = bm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m Model) percent() float64 {
	if m.total == 0 {
		return 1
	}
	return float64(m.done) / float64(m.total)
}

func (m Model) View() string {
	var b strings.Builder
	if m.finished {
		b.WriteString(Summary(m.report, m.err))
		return b.String()
	}
	fmt.Fprintf(&b, "%s %s %d/%d\n", m.spin.View(), titleStyle.Render("lifting"), m.done, m.total)
	b.WriteString(m.bar.ViewAs(m.percent()))
	b.WriteByte('\n')
	stats := fmt.Sprintf("functions %d  reused %d", m.lifted, m.reused)
	b.WriteString(dimStyle.Render(stats))
	if m.failed > 0 {
		b.WriteString("  " + failStyle.Render(fmt.Sprintf("failed %d", m.failed)))
	}
	b.WriteByte('\n')
	if m.last != "" {
		b.WriteString(dimStyle.Render(m.last))
		b.WriteByte('\n')
	}
	return b.String()
}

// Summary is the closing line of a run.
func Summary(r *lift.Report, err error) string {
	if r == nil {
		if err != nil {
			return colorize.Error("prelift failed: "+err.Error()) + "\n"
		}
		return ""
	}
	line := fmt.Sprintf("run %s: %d batches, %d functions, %d reused, %d modules",
		r.RunID, r.Batches, r.Lifted, r.Reused, len(r.Modules))
	if n := len(r.Failures); n > 0 {
		line += ", " + colorize.Error(fmt.Sprintf("%d failures", n))
	}
	if err != nil {
		line += " (" + colorize.Error(err.Error()) + ")"
	}
	return line + "\n"
}

// Work runs a prelift, reporting each batch through progress.
type Work func(ctx context.Context, progress func(lift.Progress)) (*lift.Report, error)

// Run drives work under a bubbletea program writing to out.
func Run(ctx context.Context, out io.Writer, in io.Reader, total int, work Work) (*lift.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithOutput(out)}
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	p := tea.NewProgram(NewModel(total, cancel), opts...)

	type outcome struct {
		report *lift.Report
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := work(ctx, func(pr lift.Progress) { p.Send(BatchMsg(pr)) })
		ch <- outcome{r, err}
		p.Send(DoneMsg{Report: r, Err: err})
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancel()
		res := <-ch
		return res.report, fmt.Errorf("progress view: %w", err)
	}
	res := <-ch
	return res.report, res.err
}

// Plain returns a progress callback writing one line per batch to w.
func Plain(w io.Writer) func(lift.Progress) {
	return func(p lift.Progress) {
		r := p.Result
		status := fmt.Sprintf("%d functions", r.Lifted)
		switch {
		case r.Err != nil:
			status = colorize.Error(r.Err.Error())
		case r.Reused:
			status = "reused"
		case len(r.Failed) > 0:
			status += fmt.Sprintf(", %d traces failed", len(r.Failed))
		}
		fmt.Fprintf(w, "[%d/%d] %s %s\n", p.Done, p.Total, colorize.FuncName(r.Name), status)
	}
}
