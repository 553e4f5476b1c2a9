package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lakeseg",
	Short: "Inspect stored segmentation datasets and exercise their loaders",
}

func main() {
	rootCmd.AddCommand(tensorsCmd, checkdataCmd, statsCmd, evalCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
