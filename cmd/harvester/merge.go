package main

import (
	"github.com/spf13/cobra"

	"github.com/Sternrassler/registral-harvester/pkg/output"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

func newMergeCmd(a *app) *cobra.Command {
	var (
		dest        string
		format      string
		unionRegion string
	)
	cmd := &cobra.Command{
		Use:   "merge FILE...",
		Short: "Concatenate harvest outputs into one",
		Long: `Merge reads harvest outputs in any supported format, local or in a
bucket, and writes them as one sorted output. Counts are mapped by column
name, so outputs written with different layouts can be combined.`,
		Example: `  harvester merge 2020.jsonl 2021.jsonl --output all.parquet
  harvester merge s3://deaths/rj.csv s3://deaths/sp.csv --union-region Sudeste -o sudeste.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := registry.DefaultLayout()
			records, err := output.Concat(cmd.Context(), layout, args...)
			if err != nil {
				return err
			}

			f := output.FormatFromPath(dest, output.FormatJSONL)
			if format != "" {
				if f, err = output.ParseFormat(format); err != nil {
					return err
				}
			}
			return a.writeRecords(cmd.Context(), layout, records, dest, f, unionRegion)
		},
	}
	cmd.Flags().StringVarP(&dest, "output", "o", "", "output file or bucket URL; stdout when empty")
	cmd.Flags().StringVar(&format, "format", "", "csv, json, jsonl or parquet; derived from --output when empty")
	cmd.Flags().StringVar(&unionRegion, "union-region", "", "sum all locations per day into one record labelled with this region")
	return cmd
}
