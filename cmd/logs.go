package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/feynmancraft/pipewatch/internal/logfeed"
	"github.com/feynmancraft/pipewatch/internal/ui/progress"
)

var (
	logsLevel string
	logsJSON  bool
	logsURL   string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail the backend event stream",
	Long: `Connect to the backend's server-sent event stream and print every frame
as a log line. The connection is retried until interrupted.

Examples:
  pipewatch logs
  pipewatch logs --level warn
  pipewatch logs --json | jq .message`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().StringVar(&logsLevel, "level", "debug", "minimum level: debug, info, warn or error")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "print entries as JSON lines")
	logsCmd.Flags().StringVar(&logsURL, "url", "", "event stream URL (default from config)")
}

func runLogs(cmd *cobra.Command, _ []string) error {
	cfg := loader.Config()
	url := logsURL
	if url == "" {
		url = cfg.EventsURL()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	feed := logfeed.NewFeed(cfg.Logs.Capacity)
	entries, unsubscribe := feed.Subscribe()
	defer unsubscribe()

	sup := logfeed.NewSupervisor(feed, url, logfeed.WithReconnectDelay(cfg.Stream.ReconnectDelay))
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "following %s\n", url)
	err := printEntries(ctx, entries, logfeed.ParseLevel(logsLevel), logsJSON, cmd.OutOrStdout())
	stop()
	<-done
	return err
}

var levelRank = map[logfeed.Level]int{
	logfeed.LevelDebug: 0,
	logfeed.LevelInfo:  1,
	logfeed.LevelWarn:  2,
	logfeed.LevelError: 3,
}

func printEntries(ctx context.Context, entries <-chan logfeed.Entry, minLevel logfeed.Level, asJSON bool, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			if levelRank[e.Level] < levelRank[minLevel] {
				continue
			}
			if asJSON {
				if err := enc.Encode(e); err != nil {
					return err
				}
				continue
			}
			if _, err := fmt.Fprintln(w, formatEntry(e)); err != nil {
				return err
			}
		}
	}
}

func formatEntry(e logfeed.Entry) string {
	level := progress.LevelStyle(e.Level).Render(fmt.Sprintf("%-5s", strings.ToUpper(string(e.Level))))
	return fmt.Sprintf("%s %s %s %s", mutedLine.Render(e.Timestamp.Format("15:04:05.000")), level, mutedLine.Render(fmt.Sprintf("%-8s", e.Source)), e.Message)
}
