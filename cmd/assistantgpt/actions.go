package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newActionsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List the actions offered to the language model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, logger, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			catalogue := rt.Registry().Catalogue()
			if asJSON {
				data, err := json.MarshalIndent(catalogue, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION")
			for _, def := range catalogue {
				fmt.Fprintf(tw, "%s\t%s\n", def.Name, def.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalogue with input schemas as JSON")
	return cmd
}
