package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/feynmancraft/pipewatch/internal/export"
	"github.com/feynmancraft/pipewatch/internal/history"
	"github.com/feynmancraft/pipewatch/internal/ui/progress"
)

var (
	historyLimit  int
	historyOutput string
	historyRaw    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse archived sessions",
	Long: `Browse sessions archived after they completed, failed or were stopped.

Examples:
  pipewatch history list
  pipewatch history show <session-id>
  pipewatch history show -o json <session-id>
  pipewatch history delete <session-id>`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the report for an archived session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete an archived session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd)
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum sessions to list (0 lists all)")
	historyShowCmd.Flags().StringVarP(&historyOutput, "output", "o", "md", "report format: md, json or yaml")
	historyShowCmd.Flags().BoolVar(&historyRaw, "raw", false, "print markdown without terminal rendering")
}

func openHistory() (*history.Store, error) {
	cfg := loader.Config()
	if !cfg.History.Enabled {
		return nil, errors.New("history is disabled (history.enabled: false)")
	}
	return history.Open(cfg.History.Path)
}

var (
	statusStyles = map[history.Status]lipgloss.Style{
		history.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}),
		history.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}),
		history.StatusStopped:   warnLine,
	}
	headerLine = lipgloss.NewStyle().Bold(true)
)

func runHistoryList(cmd *cobra.Command, _ []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	return writeHistoryTable(cmd.OutOrStdout(), records)
}

func writeHistoryTable(w io.Writer, records []history.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, mutedLine.Render("No archived sessions."))
		return err
	}
	fmt.Fprintln(w, headerLine.Render(fmt.Sprintf("%-19s  %-10s  %8s  %6s  %-24s  %s", "FINISHED", "STATUS", "DURATION", "EVENTS", "SESSION", "PROMPT")))
	for _, r := range records {
		status := fmt.Sprintf("%-10s", r.Status)
		if style, ok := statusStyles[r.Status]; ok {
			status = style.Render(status)
		}
		line := fmt.Sprintf("%-19s  %s  %8s  %6d  %-24s  %s",
			r.FinishedAt.Format(time.DateTime), status, r.Duration().Round(time.Second), r.EventCount,
			ansi.Truncate(r.SessionID, 24, "…"), ansi.Truncate(r.Prompt, 50, "…"))
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	exporter, err := export.NewExporter(historyOutput)
	if err != nil {
		return err
	}
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rec, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	report := export.FromRecord(rec)
	if _, isMarkdown := exporter.(*export.MarkdownExporter); !isMarkdown || historyRaw {
		return exporter.Export(report, cmd.OutOrStdout())
	}

	var buf bytes.Buffer
	if err := exporter.Export(report, &buf); err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), progress.RenderMarkdown(buf.String(), "", 100))
	return err
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}
