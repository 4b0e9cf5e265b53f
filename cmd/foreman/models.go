package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"foreman/internal/catalog"

	"github.com/spf13/cobra"
)

// modelsCmd groups model catalog management commands.
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and manage the model catalog",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}

		entries := cat.All()
		if len(entries) == 0 {
			entries = catalog.FallbackModels
			fmt.Println("Catalog is empty; showing static fallback models.")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tSTATUS\tIN/1K\tOUT/1K\tTIERS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.4f\t%v\n",
				e.ID, e.Identity.Provider, e.Identity.Status,
				e.Pricing.InPer1k, e.Pricing.OutPer1k, e.AllowedTiers)
		}
		return w.Flush()
	},
}

var modelsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the static fallback models to the catalog file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DataDir == "" {
			return fmt.Errorf("no data_dir configured; set it in %s", cfgFile)
		}

		cat := catalog.New()
		for _, e := range catalog.FallbackModels {
			cat.Upsert(e)
		}
		if err := cat.Save(cfg.DataDir); err != nil {
			return err
		}
		log.Printf("[Catalog] seeded %d models into %s/models.json", cat.Len(), cfg.DataDir)
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsSeedCmd)
}
