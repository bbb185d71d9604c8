package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/feynmancraft/pipewatch/internal/adk"
	"github.com/feynmancraft/pipewatch/internal/export"
	"github.com/feynmancraft/pipewatch/internal/pipeline"
	"github.com/feynmancraft/pipewatch/internal/tracker"
	"github.com/feynmancraft/pipewatch/internal/ui/progress"
)

var (
	watchTUI     bool
	watchOutput  string
	watchTimeout time.Duration
	watchExit    bool
)

// errSessionFailed marks a session that ended with a user-visible error.
var errSessionFailed = errors.New("session failed")

var watchCmd = &cobra.Command{
	Use:   "watch <message>",
	Short: "Send a message and follow the pipeline until it finishes",
	Long: `Send a message to the pipeline and follow its progress.

Progress lines go to stderr; the final report goes to stdout in the format
chosen with --output. With --tui an interactive view is shown instead.

Examples:
  pipewatch watch "explain beta decay"
  pipewatch watch -o json "explain beta decay" > report.json
  pipewatch watch --tui --exit "explain beta decay"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchTUI, "tui", false, "show the interactive progress view")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "md", "report format: md, json or yaml")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "stop following after this long (0 waits forever)")
	watchCmd.Flags().BoolVar(&watchExit, "exit", false, "with --tui, quit as soon as the session completes")
}

func runWatch(cmd *cobra.Command, args []string) error {
	exporter, err := export.NewExporter(watchOutput)
	if err != nil {
		return err
	}
	prompt := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if watchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchTimeout)
		defer cancel()
	}

	a, err := newApp(ctx, loader.Config())
	if err != nil {
		return err
	}
	defer a.Close()

	if watchTUI {
		if err := watchInteractive(ctx, a, prompt); err != nil {
			return err
		}
	} else if err := watchPlain(ctx, a.tracker, prompt, cmd.ErrOrStderr()); err != nil {
		return err
	}

	view := a.tracker.View()
	if err := exporter.Export(export.FromView(view), cmd.OutOrStdout()); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if view.Error != "" {
		return fmt.Errorf("%w: %s", errSessionFailed, view.Error)
	}
	return nil
}

// sessionFollower is the part of the tracker watchPlain drives.
type sessionFollower interface {
	Send(ctx context.Context, text string) error
	Stop()
	View() tracker.View
	Changes() (<-chan struct{}, func())
}

// watchPlain sends prompt and prints one line per new event until the
// session stops running or ctx ends.
func watchPlain(ctx context.Context, t sessionFollower, prompt string, w io.Writer) error {
	changes, unsubscribe := t.Changes()
	defer unsubscribe()

	if err := t.Send(ctx, prompt); err != nil {
		if adk.IsCanceled(err) && ctx.Err() != nil {
			fmt.Fprintln(w, warnLine.Render("stopped"))
			return nil
		}
		return err
	}

	// Events are re-sorted by time as they arrive, so a late event can land
	// before ones already printed.
	printed := make(map[string]struct{})
	lastStatus := ""
	for {
		v := t.View()
		for _, e := range v.Events {
			if _, ok := printed[e.ID]; ok {
				continue
			}
			printed[e.ID] = struct{}{}
			fmt.Fprintln(w, formatEvent(e))
		}
		if v.PollingStatus != lastStatus && strings.HasPrefix(v.PollingStatus, "retrying") {
			fmt.Fprintln(w, warnLine.Render(v.PollingStatus))
		}
		lastStatus = v.PollingStatus

		if !v.Running {
			return nil
		}

		select {
		case <-ctx.Done():
			t.Stop()
			fmt.Fprintln(w, warnLine.Render("stopped"))
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		case <-time.After(time.Second):
			// refresh the polling status even when nothing changed
		}
	}
}

var (
	mutedLine = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"})
	warnLine  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"})
)

func formatEvent(e pipeline.ProcessedEvent) string {
	glyph := " "
	if e.Trace != nil {
		g, style := progress.StatusIndicator(e.Trace.Status)
		glyph = style.Render(g)
	}
	ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
	line := fmt.Sprintf("%s %s %-11s %s", mutedLine.Render(ts), glyph, e.Stage, e.Title)
	if e.Details != "" {
		line += mutedLine.Render("  " + e.Details)
	}
	return line
}

func watchInteractive(ctx context.Context, a *app, prompt string) error {
	changes, unsubscribe := a.tracker.Changes()
	defer unsubscribe()

	opts := []progress.Option{progress.WithLogFeed(a.feed)}
	if watchExit {
		opts = append(opts, progress.WithQuitOnDone())
	}
	model := progress.New(a.tracker, changes, opts...)

	// A failed send shows up in the view with a retry hint.
	go func() { _ = a.tracker.Send(ctx, prompt) }()

	final, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if m, ok := final.(progress.Model); ok {
		m.Close()
	} else {
		model.Close()
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running progress view: %w", err)
	}
	return nil
}
