package main

import (
	"github.com/spf13/cobra"
)

func transportCommand(use string, short string, cmdType string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			result, err := app.service.Transport(ctx, app.node, cmdType)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}
