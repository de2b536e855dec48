package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/relay/internal/api"
	"github.com/joescharf/relay/internal/daemon"
)

var (
	serveDaemon bool
	serveStop   bool
	serveStatus bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP API server",
	Long: `Start the HTTP server that surface connectors post events to.
By default it listens on port 8080 in the foreground. Use --daemon to
run in the background, --stop to stop a running daemon, and --status
to check whether one is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pidPath := filepath.Join(viper.GetString("state_dir"), "relay.pid")
		pf := daemon.NewPIDFile(pidPath)

		switch {
		case serveStop:
			return serveStopRun(pf)
		case serveStatus:
			return serveStatusRun(pf)
		case serveDaemon:
			return serveDaemonRun(pf)
		default:
			return serveRun(pf)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVarP(&serveDaemon, "daemon", "d", false, "Run in the background")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "Stop a running daemon")
	serveCmd.Flags().BoolVar(&serveStatus, "status", false, "Show daemon status")
	viper.SetDefault("port", 8080)
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun(pf *daemon.PIDFile) error {
	orch, err := getOrchestrator(nil)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	if err := pf.Write(); err != nil {
		ui.Warning("Could not write PID file: %v", err)
	}
	defer func() { _ = pf.Remove() }()

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewServer(s, orch).Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		ui.Info("Serving API at http://localhost%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		ui.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func serveDaemonRun(pf *daemon.PIDFile) error {
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	child := exec.Command(exe, "serve", "--port", fmt.Sprint(viper.GetInt("port")))
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ui.Success("Server started in background (pid %d)", child.Process.Pid)
	return nil
}

func serveStopRun(pf *daemon.PIDFile) error {
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server is not running")
		_ = pf.Remove()
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server (pid %d): %w", pid, err)
	}
	ui.Success("Server stopped (pid %d)", pid)
	return nil
}

func serveStatusRun(pf *daemon.PIDFile) error {
	if pid, running := pf.IsRunning(); running {
		ui.Info("Server running (pid %d)", pid)
		return nil
	}
	ui.Info("Server is not running")
	return nil
}
