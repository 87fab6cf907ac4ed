package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/merge"
)

func mergeCmd() *cli.Command {
	var (
		basePath string
		loraPath string
		outPath  string
		alpha    float64
		dev      string
		workers  int
		asJSON   bool
	)

	return &cli.Command{
		Name:  "merge",
		Usage: "Fold a LoRA adapter into a base checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Aliases: []string{"b"}, Usage: "base checkpoint", Required: true, Destination: &basePath},
			&cli.StringFlag{Name: "lora", Aliases: []string{"l"}, Usage: "adapter checkpoint", Required: true, Destination: &loraPath},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output checkpoint (default <base>+<lora>.safetensors)", Destination: &outPath},
			&cli.Float64Flag{Name: "alpha", Aliases: []string{"a"}, Usage: "adapter strength", Value: 1.0, Destination: &alpha},
			&cli.StringFlag{Name: "device", Usage: "execution device (auto, cpu, accelerator)", Value: device.Auto, Destination: &dev},
			&cli.IntFlag{Name: "workers", Aliases: []string{"j"}, Usage: "tensors merged in parallel (0 = all CPUs)", Destination: &workers},
			&cli.BoolFlag{Name: "json", Usage: "print the result as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyMergeConfig(cmd, cfg, &dev, &alpha, &workers)

			out, err := resolveMergeOut(basePath, loraPath, outPath)
			if err != nil {
				return err
			}
			req := merge.NewRequest(basePath, loraPath, out)
			req.Alpha = alpha
			req.Device = dev
			req.Workers = workers

			res, err := merge.Run(ctx, req)
			if err != nil {
				return err
			}
			w := outWriter(cmd)
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(w, res)
			return nil
		},
	}
}

func printResult(w io.Writer, res merge.Result) {
	s := res.Stats
	_, _ = fmt.Fprintf(w, "merged %d pairs into %d tensors on %s in %s\n",
		s.Pairs-s.Inactive, s.Targets, res.Device, res.Duration.Round(1e6))
	_, _ = fmt.Fprintf(w, "passed through %d tensors unchanged\n", s.Passthrough)
	if s.Inactive > 0 {
		_, _ = fmt.Fprintf(w, "%d pairs had zero effective scale\n", s.Inactive)
	}
	for _, sk := range res.Skipped {
		_, _ = fmt.Fprintf(w, "skipped %s: %s\n", sk.Name, sk.Reason)
	}
	_, _ = fmt.Fprintf(w, "wrote %s (%s)\n", res.Output, formatBytes(res.BytesWritten))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
