package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/nc-BobLee/shardload/internal/api"
	"github.com/nc-BobLee/shardload/internal/logger"
	"github.com/nc-BobLee/shardload/pkg/checkpoint"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	flags := append(checkpointFlags(), distributedFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
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
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the checkpoint inspection REST API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyServeConfig(c, LoadConfig(), &addr)
			log := newLogger()
			ctx = logger.WithContext(ctx, log)

			view, err := checkpoint.Load(checkpointPath, loadOptions())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}

			server := api.NewServer(view, checkpointPath)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "checkpoint", checkpointPath, "keys", view.Len())
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
