package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/alphaforge/internal/report/assemble"
)

func newExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <result.json>",
		Short: "Export the rebalance log of a saved run as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.OutOrStdout(), args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (defaults to stdout)")
	return cmd
}

func runExport(stdout io.Writer, resultPath, output string) error {
	res, err := assemble.ReadResult(resultPath)
	if err != nil {
		return err
	}

	w := stdout
	if output != "" {
		file, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		defer file.Close()
		w = file
	}

	if err := assemble.WriteRebalanceCSV(w, res.Logs); err != nil {
		return err
	}
	if output != "" {
		log.Info().Str("path", output).Int("events", len(res.Logs)).Msg("Rebalance log exported")
	}
	return nil
}
