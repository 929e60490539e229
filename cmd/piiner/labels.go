package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLabelsCmd() *cobra.Command {
	var modelDir string

	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Print the tag table and pii flags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("model-dir") {
				cfg.Model.Dir = modelDir
			}
			table := loadTable(cfg)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTAG\tPII")
			for id := 0; id < table.Len(); id++ {
				tag := table.Tag(id)
				pii := "-"
				if !tag.IsOutside() {
					pii = fmt.Sprint(table.IsPII(tag.Type))
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", id, tag, pii)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Exported model directory")
	return cmd
}
