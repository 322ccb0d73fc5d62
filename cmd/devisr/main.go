package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "devisr",
		Short: "Per-device worker supervisor",
		Long: `devisr runs one worker process per registered device, keeps the
registry in sync with the processes, and mirrors worker events to observers
and webhooks.

Examples:
  devisr serve devisr.toml
  devisr device add --name "front desk" --webhook-url https://hooks.example.com/x
  devisr start --id front-desk
  devisr stop --id front-desk --force
  devisr status --id front-desk --api-url http://remote:8080/api`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&g.APIUrl, "api-url", "http://127.0.0.1:8080/api", "daemon API base URL")
	pf.DurationVar(&g.APITimeout, "api-timeout", 60*time.Second, "API request timeout")
	pf.StringVar(&g.CACert, "ca-cert", "", "CA certificate for an https daemon")
	pf.BoolVar(&g.Insecure, "insecure", false, "skip TLS verification")

	root.AddCommand(
		createServeCommand(g),
		createDeviceCommand(g),
		createStartCommand(g),
		createStopCommand(g),
		createRestartCommand(g),
		createStatusCommand(g),
	)
	return root
}
