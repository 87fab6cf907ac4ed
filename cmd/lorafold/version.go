package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := outWriter(cmd)
			info := version.Resolve()
			_, _ = fmt.Fprintf(w, "version:    %s\n", info.Version)
			if info.Commit != "" {
				_, _ = fmt.Fprintf(w, "commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				_, _ = fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
			}
			_, _ = fmt.Fprintf(w, "go:         %s\n", info.GoVersion)
			host := device.Host()
			_, _ = fmt.Fprintf(w, "platform:   %s/%s (%d cpus)\n", host.GoOS, host.GoArch, host.CPUs)
			if host.Brand != "" {
				_, _ = fmt.Fprintf(w, "cpu:        %s\n", host.Brand)
			}
			if feats := host.Supported(); len(feats) > 0 {
				_, _ = fmt.Fprintf(w, "features:   %s\n", strings.Join(feats, " "))
			}
			_, _ = fmt.Fprintf(w, "devices:    %s\n", device.Available())
			return nil
		},
	}
}
