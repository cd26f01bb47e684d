package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qpack/internal/api"
	"github.com/samcharles93/qpack/internal/logger"
	"github.com/samcharles93/qpack/pkg/qnbit"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:      "serve",
		Usage:     "Load a saved model and serve the cache introspection API",
		ArgsUsage: "<model-dir>",
		Flags: append(packFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			dir := cmd.Args().First()
			if dir == "" {
				return cli.Exit("error: model directory is required", 1)
			}
			features := qnbit.ProbeFeatures()
			d := qnbit.Default()
			lc, err := loadCache(ctx, d, dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer lc.Prepacker.Container().Close()

			server := api.NewServer(lc.Prepacker.Container(), d, features)
			server.SetLoadResults(lc.Results, lc.DiskBlobs, lc.Model.Skipped)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "weights", len(lc.Results), "compute", lc.Compute.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
