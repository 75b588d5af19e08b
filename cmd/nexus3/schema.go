package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus3/nexus3/internal/config"
)

// buildSchemaCmd creates the "schema" command, which prints the JSON schema
// for the configuration file. Editors use it for completion and validation.
func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return err
		},
	}
}
