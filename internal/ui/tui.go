package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// quitTimeout bounds how long Stop waits for the program to exit.
const quitTimeout = 2 * time.Second

// TUIRenderer draws progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *runModel
	tracker *ProgressTracker
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails when the output is not a
// terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.New("output is not a TTY")
	}
	tracker := NewProgressTracker()
	model := newRunModel(tracker, cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}
	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program != nil {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.tracker.Stats().Stage {
		r.tracker.SetStage(event.Stage, event.Total)
	}
	r.tracker.Update(event.Current, event.Total, event.Item)
	if r.program != nil {
		r.program.Send(refreshMsg{})
	}
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.AddError(event)
	if r.program != nil {
		r.program.Send(refreshMsg{})
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.SetStage(StageComplete, 0)
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()

	if program == nil {
		return nil
	}
	program.Quit()
	select {
	case <-r.done:
	case <-time.After(quitTimeout):
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

type refreshMsg struct{}
type completeMsg CompletionStats
type tickMsg time.Time

// runModel is the bubbletea model for an import or index run.
type runModel struct {
	tracker  *ProgressTracker
	title    string
	width    int
	spinner  spinner.Model
	bar      progress.Model
	styles   Styles
	quitting bool
	complete bool
	stats    CompletionStats
}

func newRunModel(tracker *ProgressTracker, title string) *runModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	return &runModel{
		tracker: tracker,
		title:   title,
		width:   80,
		spinner: s,
		bar: progress.New(
			progress.WithSolidFill(ColorAccent),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		),
		styles: DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m *runModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 20)
	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *runModel) View() string {
	if m.quitting {
		return "Cancelled.\n"
	}
	if m.complete {
		return m.viewComplete()
	}

	stats := m.tracker.Stats()
	width := max(m.width-4, 40)

	var lines []string
	lines = append(lines, m.viewStages(stats.Stage))
	if stats.Total == 0 {
		lines = append(lines, fmt.Sprintf("%s %s...", m.spinner.View(), stats.Stage))
	} else {
		lines = append(lines,
			fmt.Sprintf("%s  %s", m.bar.ViewAs(stats.Fraction), m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Fraction*100))),
			m.styles.Label.Render(fmt.Sprintf("%d / %d documents", stats.Current, stats.Total)))
	}

	speed := fmt.Sprintf("%.1f docs/s", stats.Speed)
	if stats.ETA > 0 {
		speed += "  ETA " + formatDuration(stats.ETA)
	}
	lines = append(lines, m.styles.Label.Render(speed))
	lines = append(lines, m.styles.Success.Render(m.tracker.Sparkline(max(width-10, 10))))
	if stats.Item != "" {
		lines = append(lines, m.styles.Dim.Render(truncatePath(stats.Item, width-2)))
	}

	header := "Yiana"
	if m.title != "" {
		header = "Yiana • " + m.title
	}
	panel := m.styles.Panel.Width(width).Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, m.styles.Header.Render(header), panel) + "\n" + m.viewStatusBar(stats)
}

func (m *runModel) viewStages(current Stage) string {
	var parts []string
	for _, s := range []Stage{StageImporting, StageIndexing} {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *runModel) viewStatusBar(stats ProgressStats) string {
	var parts []string
	if stats.WarnCount > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", stats.WarnCount)))
	}
	if stats.ErrorCount > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d errors", stats.ErrorCount)))
	}
	parts = append(parts, m.styles.Dim.Render("q to quit"))
	return strings.Join(parts, m.styles.Dim.Render("  │  "))
}

func (m *runModel) viewComplete() string {
	lines := []string{
		m.styles.Success.Render("✓ Done"),
		"",
		fmt.Sprintf("%s %s", m.styles.Label.Render("Imported:"), m.styles.Active.Render(fmt.Sprint(m.stats.Imported))),
		fmt.Sprintf("%s  %s", m.styles.Label.Render("Indexed:"), m.styles.Active.Render(fmt.Sprint(m.stats.Indexed))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Duration:"), m.styles.Active.Render(formatDuration(m.stats.Duration))),
	}
	if extra := summaryLines(m.stats); len(extra) > 0 {
		lines = append(lines, "")
		for _, l := range extra {
			lines = append(lines, m.styles.Warning.Render("• "+l))
		}
	}
	return m.styles.Panel.Width(max(m.width-4, 40)).Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		if s := int(d.Seconds()) % 60; s != 0 {
			return fmt.Sprintf("%dm %ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// truncatePath shortens path to maxLen runes, keeping the file name.
func truncatePath(path string, maxLen int) string {
	runes := []rune(path)
	if len(runes) <= maxLen {
		return path
	}
	if maxLen <= 3 {
		return "..."
	}
	return "..." + string(runes[len(runes)-maxLen+3:])
}

var _ Renderer = (*TUIRenderer)(nil)
