package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lorafold/internal/api"
	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/logger"
	"github.com/samcharles93/lorafold/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		maxConcurrent int
		dev           string
		workers       int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve merges over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8088",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-concurrent",
				Usage:       "merges allowed in flight",
				Value:       1,
				Destination: &maxConcurrent,
			},
			&cli.StringFlag{
				Name:        "device",
				Usage:       "default execution device (auto, cpu, accelerator)",
				Value:       device.Auto,
				Destination: &dev,
			},
			&cli.IntFlag{
				Name:        "workers",
				Usage:       "default tensors merged in parallel (0 = all CPUs)",
				Destination: &workers,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, cfg, &addr, &maxConcurrent, &dev, &workers)
			log := logger.FromContext(ctx)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			server := api.NewServer(api.Config{
				MaxConcurrent: maxConcurrent,
				Device:        dev,
				Workers:       workers,
				Registry:      reg,
				Logger:        log,
			}, metrics.New(reg))

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "devices", device.Available(), "max_concurrent", maxConcurrent)
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
