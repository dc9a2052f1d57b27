package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/webservd/webservd/internal/cgi"
	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/orchestrator"
	"github.com/webservd/webservd/internal/reactor"
	"github.com/webservd/webservd/internal/webservlog"
)

func main() {
	var (
		configPath string
		debug      bool
		stateDir   string
	)

	app := &cobra.Command{
		Use:   "webservd",
		Short: "a single-process, event-driven HTTP/1.1 server with CGI/1.1 support",
		RunE: func(cmd *cobra.Command, args []string) error {
			webservlog.Setup(debug)
			webservlog.TrapStackDumps()

			// Pipe writes (CGI stdin) have no MSG_NOSIGNAL equivalent; ignore
			// SIGPIPE globally so a script that exits before reading its full
			// POST body drops that one write instead of killing the process.
			signal.Ignore(syscall.SIGPIPE)

			if err := webservlog.CheckFileDescriptorLimit(1024); err != nil {
				logrus.WithError(err).Warn("webservd: file descriptor limit check")
			}

			if stateDir != "" {
				if err := os.Chdir(stateDir); err != nil {
					return fmt.Errorf("chdir to state dir: %w", err)
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "webservd: %s\n", err)
				os.Exit(2)
			}

			if err := run(cfg); err != nil {
				return err
			}
			return nil
		},
	}

	app.Flags().StringVar(&configPath, "config", "", "path to the server's YAML config file")
	app.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	app.Flags().StringVar(&stateDir, "state-dir", "", "working directory CGI scripts chdir relative to")

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "webservd: %s\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	mux, err := reactor.New()
	if err != nil {
		return fmt.Errorf("create reactor: %w", err)
	}

	listeners, err := reactor.NewListeners(mux, cfg.Ports())
	if err != nil {
		return fmt.Errorf("open listeners: %w", err)
	}

	manager, err := cgi.NewManager(mux, cgiTimeout(cfg))
	if err != nil {
		listeners.Close()
		return fmt.Errorf("create cgi manager: %w", err)
	}
	executor := cgi.NewExecutor(mux, manager)

	o := orchestrator.New(mux, listeners, manager, executor, cfg)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		logrus.WithField("signal", s).Info("webservd: shutting down")
		o.Close()
		os.Exit(0)
	}()

	if err := o.Run(); err != nil {
		return fmt.Errorf("reactor loop: %w", err)
	}
	return nil
}

// cgiTimeout picks the shortest per-server CGI timeout configured, so one
// wall-clock budget governs the single shared process manager; servers that
// don't set one fall back to cgi.DefaultTimeout.
func cgiTimeout(cfg *config.Config) time.Duration {
	shortest := cgi.DefaultTimeout
	found := false
	for _, port := range cfg.Ports() {
		sc := cfg.Lookup(port)
		if sc == nil || sc.CGITimeout <= 0 {
			continue
		}
		d := time.Duration(sc.CGITimeout) * time.Second
		if !found || d < shortest {
			shortest = d
			found = true
		}
	}
	return shortest
}
