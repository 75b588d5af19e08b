package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus3/nexus3/internal/sessions"
)

// buildAgentsCmd creates the "agents" command group over the session store.
func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and manage saved agent sessions",
	}
	cmd.AddCommand(buildAgentsListCmd(), buildAgentsDestroyCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			metas, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(metas) == 0 {
				fmt.Fprintln(out, "No saved sessions.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tMODEL\tPRESET\tMESSAGES\tUPDATED")
			for _, meta := range metas {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					meta.AgentID, meta.ModelAlias, meta.BasePreset,
					meta.MessageCount, meta.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default nexus3.yaml, or NEXUS3_CONFIG)")
	return cmd
}

func buildAgentsDestroyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "destroy <agent-id>",
		Short: "Delete an agent's saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, sessions.ErrNotFound) {
					return fmt.Errorf("no saved session for agent %q", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default nexus3.yaml, or NEXUS3_CONFIG)")
	return cmd
}
