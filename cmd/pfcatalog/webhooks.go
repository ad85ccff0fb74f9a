package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/webhook"
)

// The webhooks commands work on the store directly. leveldb takes an
// exclusive lock, so they fail while a server holds the same store.
func newWebhooksCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage webhook registrations in the local store",
	}
	cmd.AddCommand(newWebhooksListCommand(opts))
	cmd.AddCommand(newWebhooksAddCommand(opts))
	cmd.AddCommand(newWebhooksRemoveCommand(opts))
	return cmd
}

func withRegistry(opts *rootOptions, fn func(*webhook.Registry) error) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	store, err := webhook.OpenStore(cfg.Webhooks.Store)
	if err != nil {
		return fmt.Errorf("open webhook store %s: %w", cfg.Webhooks.Store, err)
	}
	defer store.Close()
	reg, err := webhook.NewRegistry(store)
	if err != nil {
		return err
	}
	return fn(reg)
}

func newWebhooksListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(opts, func(reg *webhook.Registry) error {
				return printRegistrations(cmd.OutOrStdout(), reg.List(), asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printRegistrations(w io.Writer, regs []webhook.Registration, asJSON bool) error {
	if asJSON {
		type row struct {
			ID       string        `json:"id"`
			URL      string        `json:"url"`
			Event    string        `json:"event"`
			Provider string        `json:"provider"`
			Creators []string      `json:"creators,omitempty"`
			Stats    webhook.Stats `json:"stats"`
		}
		rows := make([]row, 0, len(regs))
		for _, r := range regs {
			rows = append(rows, row{r.ID, r.URL, r.Event, webhook.ProviderFor(r), r.Creators, r.Stats})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tPROVIDER\tCREATORS\tDELIVERED\tFAILED\tURL")
	for _, r := range regs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Event, webhook.ProviderFor(r), strings.Join(r.Creators, ","),
			r.Stats.TotalDelivered, r.Stats.TotalFailed, r.URL)
	}
	return tw.Flush()
}

func newWebhooksAddCommand(opts *rootOptions) *cobra.Command {
	var r webhook.Registration
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.URL = args[0]
			return withRegistry(opts, func(reg *webhook.Registry) error {
				added, created, err := reg.Add(r)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", added.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "already registered as %s\n", added.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&r.Event, "event", webhook.Wildcard, "event name or * for all")
	cmd.Flags().StringVar(&r.Secret, "secret", "", "HMAC secret for signed deliveries")
	cmd.Flags().StringVar(&r.Provider, "provider", "", "generic, discord or slack (default: from URL)")
	cmd.Flags().StringSliceVar(&r.Creators, "creator", nil, "only deliver for these creators (repeatable)")
	return cmd
}

func newWebhooksRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(opts, func(reg *webhook.Registry) error {
				if err := reg.Remove(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}
