package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	webui "github.com/feynmancraft/pipewatch/frontend"
	"github.com/feynmancraft/pipewatch/internal/frontend"
	"github.com/feynmancraft/pipewatch/internal/log"
)

var (
	serveAddr string
	serveOpen bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the state API and the dashboard",
	Long: `Serve the JSON state API (/api/state, /api/logs, /api/send, ...), the
live log stream (/api/logs/stream) and the embedded dashboard.

Examples:
  pipewatch serve
  pipewatch serve --addr :7777 --open`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:7777", "listen address")
	serveCmd.Flags().BoolVar(&serveOpen, "open", false, "open the dashboard in a browser")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, loader.Config())
	if err != nil {
		return err
	}
	defer a.Close()

	dist, err := fs.Sub(webui.DistFS(), "dist")
	if err != nil {
		return fmt.Errorf("loading dashboard: %w", err)
	}
	var opts []frontend.HandlerOption
	if a.stream != nil {
		opts = append(opts, frontend.WithStreamStatus(a.stream))
	}
	handler := frontend.NewHandler(a.tracker, a.feed, dist, opts...)

	ln, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", serveAddr, err)
	}
	srv := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	url := "http://" + ln.Addr().String()
	fmt.Fprintf(cmd.OutOrStdout(), "pipewatch serving on %s\n", url)
	if serveOpen {
		if err := frontend.OpenBrowser(url); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "could not open a browser: %v\n", err)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info(log.CatUI, "Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Log streams never finish on their own; Close drops them after the grace period.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	return nil
}
