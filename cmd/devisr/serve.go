package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devisr"
)

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the devisr daemon",
		Long: `Run the daemon: open the registry, adopt or resume workers, serve the
API and keep workers monitored until SIGINT or SIGTERM. Workers are terminated
on exit and resumed on the next start.

Examples:
  devisr serve devisr.toml
  devisr serve --config devisr.toml --daemonize --pidfile /run/devisr.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect background output to this file")
	return cmd
}

func runServe(ctx context.Context, path string, f *ServeFlags) error {
	if path == "" {
		return errors.New("config file required: devisr serve devisr.toml")
	}
	cfg, err := devisr.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	d, err := devisr.NewDaemon(openCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
