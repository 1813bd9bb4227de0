package main

import (
	"github.com/spf13/cobra"

	"github.com/mikey-austin/nowbar/internal/adapters/output"
)

func lsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List media sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			result, err := app.service.Status(ctx, app.node)
			if err != nil {
				return err
			}
			return app.printer.Print(output.SourcesOutput{StatusResult: result})
		},
	}
}

func nodesCommand() *cobra.Command {
	var online bool

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List publisher nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			result, err := app.service.ListNodes(ctx, online)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "show only online nodes")

	return cmd
}
