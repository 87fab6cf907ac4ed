package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lorafold/internal/fixture"
	"github.com/samcharles93/lorafold/internal/logger"
	"github.com/samcharles93/lorafold/internal/safetensors"
)

func fixtureCmd() *cli.Command {
	var (
		baseOut string
		loraOut string
		size    int64
		dtype   string
		rank    int
		width   int
		seed    uint64
	)

	return &cli.Command{
		Name:  "fixture",
		Usage: "Write a synthetic base checkpoint and a matching adapter",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base-out", Usage: "base checkpoint path", Required: true, Destination: &baseOut},
			&cli.StringFlag{Name: "lora-out", Usage: "adapter checkpoint path", Required: true, Destination: &loraOut},
			&cli.Int64Flag{Name: "size", Usage: "approximate base size in bytes", Value: 1 << 20, Destination: &size},
			&cli.StringFlag{Name: "dtype", Usage: "storage dtype (F16, BF16, F32, F64)", Value: string(safetensors.F32), Destination: &dtype},
			&cli.IntFlag{Name: "rank", Usage: "adapter rank", Value: 4, Destination: &rank},
			&cli.IntFlag{Name: "width", Usage: "layer width", Value: 64, Destination: &width},
			&cli.Uint64Flag{Name: "seed", Usage: "generator seed", Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dt, err := safetensors.ParseDType(strings.ToUpper(dtype))
			if err != nil {
				return err
			}
			if size <= 0 {
				return fmt.Errorf("size must be positive, got %d", size)
			}
			opts := fixture.Options{DType: dt, Rank: rank, Width: width, Seed: seed}
			if err := fixture.MakeBase(baseOut, size, opts); err != nil {
				return err
			}
			if err := fixture.MakeLoRA(loraOut, size, opts); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("wrote fixtures", "base", baseOut, "lora", loraOut, "dtype", dt, "rank", rank)
			_, _ = fmt.Fprintf(outWriter(cmd), "wrote %s and %s\n", baseOut, loraOut)
			return nil
		},
	}
}
