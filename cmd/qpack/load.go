package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qpack/internal/logger"
	"github.com/samcharles93/qpack/internal/prepacker"
	"github.com/samcharles93/qpack/pkg/qnbit"
)

func loadCmd() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "Load a saved model and report which weights came from disk",
		ArgsUsage: "<model-dir>",
		Flags:     packFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyPackConfig(cmd, LoadConfig())

			dir := cmd.Args().First()
			if dir == "" {
				return cli.Exit("error: model directory is required", 1)
			}
			lc, err := loadCache(ctx, qnbit.Default(), dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer lc.Prepacker.Container().Close()

			for _, r := range lc.Results {
				_, _ = fmt.Fprintf(os.Stdout, "%-32s %-6s %s\n", r.WeightName, r.Source, r.Key)
			}
			sources := countSources(lc.Results)
			log.Info("resolved weights",
				"compute", lc.Compute.String(),
				"disk", sources[prepacker.SourceDisk],
				"packed", sources[prepacker.SourcePacked],
				"shared", sources[prepacker.SourceShared],
				"skipped_blobs", lc.Model.Skipped,
				"cached", lc.Prepacker.Container().NumberOfElements(),
			)
			return nil
		},
	}
}
