package merge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/logger"
	"github.com/samcharles93/lorafold/internal/lora"
)

// Request describes one merge run.
type Request struct {
	BasePath   string  `json:"base" yaml:"base"`
	LoRAPath   string  `json:"lora" yaml:"lora"`
	OutputPath string  `json:"output" yaml:"output"`
	Alpha      float64 `json:"alpha" yaml:"alpha"`
	Device     string  `json:"device,omitempty" yaml:"device,omitempty"`
	Workers    int     `json:"workers,omitempty" yaml:"workers,omitempty"`

	// Convention defaults to lora.DefaultConvention.
	Convention *lora.Convention `json:"-" yaml:"-"`
}

// NewRequest returns a request with alpha 1 and automatic device selection.
func NewRequest(base, adapter, output string) Request {
	return Request{BasePath: base, LoRAPath: adapter, OutputPath: output, Alpha: 1, Device: device.Auto}
}

// Validate checks the request without touching the filesystem beyond path
// normalisation.
func (r Request) Validate() error {
	var errs []error
	for _, f := range []struct{ name, val string }{
		{"base", r.BasePath},
		{"lora", r.LoRAPath},
		{"output", r.OutputPath},
	} {
		if f.val == "" {
			errs = append(errs, fmt.Errorf("%s path is required", f.name))
		}
	}
	if len(errs) == 0 {
		out := absPath(r.OutputPath)
		if out == absPath(r.BasePath) || out == absPath(r.LoRAPath) {
			errs = append(errs, errors.New("output path must differ from the inputs"))
		}
		if filepath.Base(r.OutputPath) == "." || filepath.Base(r.OutputPath) == string(filepath.Separator) {
			errs = append(errs, fmt.Errorf("output path %q is not a file", r.OutputPath))
		}
	}
	if math.IsNaN(r.Alpha) || math.IsInf(r.Alpha, 0) {
		errs = append(errs, fmt.Errorf("alpha must be finite, got %v", r.Alpha))
	} else if math.Abs(r.Alpha) > math.MaxFloat32 {
		errs = append(errs, fmt.Errorf("alpha %v overflows float32", r.Alpha))
	}
	if _, err := device.Normalize(r.Device); err != nil {
		errs = append(errs, err)
	}
	if r.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", r.Workers))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Result reports a successful run.
type Result struct {
	Output       string        `json:"output"`
	Device       string        `json:"device"`
	Stats        Stats         `json:"stats"`
	Skipped      []lora.Skip   `json:"skipped,omitempty"`
	BytesWritten int64         `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ns"`
}

// Observer receives the outcome of every run. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveRun(kind Kind, res Result)
}

// Pipeline runs requests through an Engine.
type Pipeline struct {
	// Engine defaults to DefaultEngine.
	Engine Engine
	// Observer is optional.
	Observer Observer
}

// Run executes req with the default engine.
func Run(ctx context.Context, req Request) (Result, error) {
	return (&Pipeline{}).Run(ctx, req)
}

// Run validates req, reads both checkpoints, resolves and merges the adapter
// pairs, and writes the output atomically. No output file is created when Run
// fails.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if p.Observer != nil {
			p.Observer.ObserveRun(KindOf(err), res)
		}
	}()

	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	eng := p.Engine
	if eng == nil {
		eng = DefaultEngine{}
	}
	conv := lora.DefaultConvention()
	if req.Convention != nil {
		conv = *req.Convention
	}
	log := logger.FromContext(ctx).With("output", req.OutputPath)
	ctx = logger.WithContext(ctx, log)

	base, err := eng.Read(req.BasePath)
	if err != nil {
		return Result{}, fmt.Errorf("read base: %w", err)
	}
	defer func() { _ = base.Close() }()

	adapter, err := eng.Read(req.LoRAPath)
	if err != nil {
		return Result{}, fmt.Errorf("read lora: %w", err)
	}
	defer func() { _ = adapter.Close() }()

	pairs, skips, err := eng.Resolve(ctx, adapter, conv)
	if err != nil {
		return Result{Skipped: skips}, err
	}

	dev, err := eng.Device(req.Device, device.Options{Workers: req.Workers})
	if err != nil {
		return Result{Skipped: skips}, err
	}
	log.Info("merging", "base", req.BasePath, "lora", req.LoRAPath, "pairs", len(pairs), "device", dev.Name(), "alpha", req.Alpha)

	merged, stats, err := eng.Merge(ctx, base, adapter, pairs, Options{
		Alpha:   float32(req.Alpha),
		Workers: req.Workers,
		Device:  dev,
		Placer:  eng,
	})
	if err != nil {
		return Result{Skipped: skips, Device: dev.Name()}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := eng.Write(req.OutputPath, merged); err != nil {
		return Result{}, fmt.Errorf("write output: %w", err)
	}

	res = Result{
		Output:  req.OutputPath,
		Device:  dev.Name(),
		Stats:   stats,
		Skipped: skips,
	}
	if st, err := os.Stat(req.OutputPath); err == nil {
		res.BytesWritten = st.Size()
	}
	log.Info("merge complete", "targets", stats.Targets, "passthrough", stats.Passthrough, "bytes", res.BytesWritten)
	return res, nil
}
