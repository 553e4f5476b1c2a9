package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sugarme/lakeseg/lake"
)

var tensorsCmd = &cobra.Command{
	Use:   "tensors <dataset-dir>",
	Short: "List the tensors of a stored dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := lake.Open(args[0])
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Tensor", "Htype", "Samples", "Classes"})
		for _, name := range ds.Tensors() {
			t, err := ds.Tensor(name)
			if err != nil {
				return err
			}
			table.Append([]string{
				name,
				t.Info().Htype,
				fmt.Sprintf("%d", t.Len()),
				strings.Join(t.Info().ClassNames, ", "),
			})
		}
		table.Render()

		return nil
	},
}
