package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gridwell/datafeeds/internal/config"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/scrape"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources and registered adapter kinds",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Registered adapter kinds:")
		for _, kind := range scrape.Default().AllNames() {
			fmt.Printf("  %s\n", kind)
		}

		path := cfg.Catalog.Path
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		catalog, err := config.LoadCatalog(path)
		if err != nil {
			return err
		}

		fmt.Printf("\nCatalog (%s):\n", path)
		formatSources(os.Stdout, catalog.Sources)
		return nil
	},
}

func formatSources(w io.Writer, sources []model.DataSource) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tACCOUNT\tSERVICE\tENABLED")
	for _, s := range sources {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%t\n", s.ID, s.Kind, s.AccountID, s.ServiceID, s.Enabled)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
