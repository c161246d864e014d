package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/enemscrape/internal/engine"
	"github.com/IshaanNene/enemscrape/internal/observability"
)

// linksCmd runs discovery only and prints the year/area index as JSON.
func linksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "List question URLs per year and area",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)

			pages, images, err := newFetchers(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFetchers(pages, images, logger)

			areas, err := engine.ParseAreas(cfg.Engine.Areas)
			if err != nil {
				return err
			}

			d, err := engine.NewDiscoverer(cfg, pages, observability.NewMetrics(logger), logger)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(logger)
			defer stop()

			index := d.Discover(ctx, engine.Years(cfg.Engine.StartYear, cfg.Engine.EndYear), areas)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(index); err != nil {
				return fmt.Errorf("encode index: %w", err)
			}
			return ctx.Err()
		},
	}
}
