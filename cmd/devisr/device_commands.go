package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/devisr/pkg/client"
)

type DeviceAddFlags struct {
	ID            string
	Name          string
	WebhookURL    string
	WebhookSecret string
}

func createDeviceCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage registered devices",
	}
	cmd.AddCommand(
		createDeviceAddCommand(g),
		createDeviceRemoveCommand(g),
		createDeviceListCommand(g),
		createDeviceWebhookCommand(g),
	)
	return cmd
}

func createDeviceAddCommand(g *GlobalFlags) *cobra.Command {
	f := &DeviceAddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a device and allocate its port",
		Long: `Register a device. Without --id the daemon generates a UUID.

Examples:
  devisr device add --id front-desk --name "Front desk"
  devisr device add --webhook-url https://hooks.example.com/x --webhook-secret s3cret`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				d, err := c.CreateDevice(ctx, client.CreateDeviceRequest{
					ID:            f.ID,
					Name:          f.Name,
					WebhookURL:    f.WebhookURL,
					WebhookSecret: f.WebhookSecret,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			})
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "device id (generated when empty)")
	cmd.Flags().StringVar(&f.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.WebhookURL, "webhook-url", "", "URL receiving worker events")
	cmd.Flags().StringVar(&f.WebhookSecret, "webhook-secret", "", "HMAC secret for webhook signatures")
	return cmd
}

func createDeviceRemoveCommand(g *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Stop a device's worker, free its port and unregister it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireID(f.ID); err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				if err := c.DeleteDevice(ctx, f.ID, client.StopOptions{Force: f.Force, Timeout: f.Timeout}); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", f.ID)
				return err
			})
		},
	}
	stopFlags(cmd, f)
	return cmd
}

func createDeviceListCommand(g *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices with their live status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				devs, err := c.ListDevices(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), devs)
				}
				return printTable(cmd.OutOrStdout(), devs)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createDeviceWebhookCommand(g *GlobalFlags) *cobra.Command {
	var id, url, secret string
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Change a device's webhook URL or secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireID(id); err != nil {
				return err
			}
			var u client.WebhookUpdate
			if cmd.Flags().Changed("url") {
				u.URL = &url
			}
			if cmd.Flags().Changed("secret") {
				u.Secret = &secret
			}
			if u.URL == nil && u.Secret == nil {
				return fmt.Errorf("nothing to change: pass --url and/or --secret")
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				d, err := c.SetWebhook(ctx, id, u)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "device id")
	cmd.Flags().StringVar(&url, "url", "", "webhook URL (empty disables delivery)")
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret")
	return cmd
}
