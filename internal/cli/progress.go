package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/sitekb/internal/client"
	"github.com/raphaelgruber/sitekb/internal/models"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// errJobNotCompleted is returned when a watched job fails or is cancelled.
var errJobNotCompleted = errors.New("job did not complete")

// jobProgress estimates how far a job is, in [0, 1]. Crawling counts as the
// first half and processing plus indexing as the second.
func jobProgress(job models.IndexingJob) float64 {
	switch job.Status {
	case models.JobStatusCompleted:
		return 1
	case models.JobStatusScraping:
		return 0.1
	case models.JobStatusProcessing, models.JobStatusIndexing:
		if job.PagesFound == 0 {
			return 0.5
		}
		return 0.5 + 0.5*float64(job.PagesProcessed)/float64(job.PagesFound)
	}
	return 0
}

// progressLine is the one line summary used by both display modes.
func progressLine(job models.IndexingJob) string {
	return fmt.Sprintf("%d pages found, %d processed, %d documents indexed",
		job.PagesFound, job.PagesProcessed, job.DocumentsIndexed)
}

// jobResult converts a terminal job into the command's exit error.
func jobResult(job models.IndexingJob) error {
	switch job.Status {
	case models.JobStatusCompleted:
		return nil
	case models.JobStatusFailed:
		return fmt.Errorf("%w: %s", errJobNotCompleted, job.Error)
	case models.JobStatusCancelled:
		return fmt.Errorf("%w: cancelled", errJobNotCompleted)
	}
	return nil
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// jobUpdateMsg carries the updated job data
type jobUpdateMsg struct {
	job *models.IndexingJob
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	client     *client.Client
	tenant     string
	collection string
	job        *models.IndexingJob
	progress   progress.Model
	theme      Theme
	done       bool
	quitting   bool
	err        error
}

func newProgressModel(c *client.Client, tenant, collection string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:     c,
		tenant:     tenant,
		collection: collection,
		progress:   prog,
		theme:      defaultTheme,
	}
}

// Init returns the initial command (fetch immediately).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchJob(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job
		if m.job.Status.Terminal() {
			m.done = true
			m.err = jobResult(*m.job)
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.job == nil {
		return "Loading job status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	bar := m.progress.ViewAs(jobProgress(*m.job))
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s\n%s\n%s\n", status, bar, progressLine(*m.job), hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob continues in background.\nUse 'sitekb status -t %s %s' to check status.\n",
			m.tenant, m.collection)
		return m.theme.hintStyle().Render(msg)
	}
	if m.job == nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	summary := fmt.Sprintf("  Pages:     %d found, %d processed, %d failed, %d dropped\n  Documents: %d indexed, %d failed\n",
		m.job.PagesFound, m.job.PagesProcessed, m.job.PagesFailed, m.job.PagesDropped,
		m.job.DocumentsIndexed, m.job.DocumentsFailed)
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job %s: %s\n", m.job.Status, m.err)) + "\n" + summary
	}
	return m.theme.completedStyle().Render("✓ Completed") + "\n\n" + summary
}

// fetchJob fetches the current job status from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.client.GetStatus(ctx, m.tenant, m.collection)
		return jobUpdateMsg{job: job, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunJobProgress runs the interactive progress UI for a collection's job.
// Returns nil on success or Ctrl+C (background), error on job failure.
func RunJobProgress(c *client.Client, tenant, collection string) error {
	p := tea.NewProgram(newProgressModel(c, tenant, collection))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		return m.err
	}
	return nil
}

// streamJobProgress prints one line per progress change from the server's
// status stream. Used when stdout is not a terminal.
func streamJobProgress(ctx context.Context, c *client.Client, w io.Writer, tenant, collection string) error {
	var last models.IndexingJob
	err := c.WatchStatus(ctx, tenant, collection, func(job models.IndexingJob) error {
		last = job
		fmt.Fprintf(w, "[%s] %s\n", job.Status, progressLine(job))
		return nil
	})
	if err != nil {
		return err
	}
	return jobResult(last)
}

// watchJob follows a job until it ends, interactively on a terminal.
func watchJob(cmd *cobra.Command, tenant, collection string) error {
	if f, ok := cmd.OutOrStdout().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return RunJobProgress(apiClient, tenant, collection)
	}
	return streamJobProgress(cmd.Context(), apiClient, cmd.OutOrStdout(), tenant, collection)
}
