package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devisr/pkg/client"
)

type StopFlags struct {
	ID      string
	Force   bool
	Timeout time.Duration
}

func newClient(g *GlobalFlags) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  g.APIUrl,
		Timeout:  g.APITimeout,
		CACert:   g.CACert,
		Insecure: g.Insecure,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withClient runs fn against the daemon, failing early when it is not up.
func withClient(cmd *cobra.Command, g *GlobalFlags, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient(g)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - start it with 'devisr serve'", g.APIUrl)
	}
	return fn(ctx, c)
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("--id is required")
	}
	return nil
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a device's worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireID(id); err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				st, err := c.Start(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "device id")
	return cmd
}

func stopFlags(cmd *cobra.Command, f *StopFlags) {
	cmd.Flags().StringVar(&f.ID, "id", "", "device id")
	cmd.Flags().BoolVar(&f.Force, "force", false, "kill without waiting for a graceful exit")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "graceful wait before the kill (daemon default when 0)")
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a device's worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireID(f.ID); err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				st, err := c.Stop(ctx, f.ID, client.StopOptions{Force: f.Force, Timeout: f.Timeout})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	stopFlags(cmd, f)
	return cmd
}

func createRestartCommand(g *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a device's worker (starts it when not running)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireID(f.ID); err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				st, err := c.Restart(ctx, f.ID, client.StopOptions{Force: f.Force, Timeout: f.Timeout})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	stopFlags(cmd, f)
	return cmd
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a device's worker, or all devices without --id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				if id == "" {
					devs, err := c.ListDevices(ctx)
					if err != nil {
						return err
					}
					return printTable(cmd.OutOrStdout(), devs)
				}
				st, err := c.Status(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "device id")
	return cmd
}

func printTable(w io.Writer, devs []client.Device) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tPORT\tSTATUS\tPID\tRUNNING")
	for _, d := range devs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%t\n", d.ID, d.Name, d.Port, d.Status, d.PID, d.Running)
	}
	return tw.Flush()
}
