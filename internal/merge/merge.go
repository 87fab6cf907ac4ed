// Package merge folds resolved LoRA pairs into a base checkpoint.
//
// For every pair the update alpha * pair.Scale() * (Up × Down) is added to the
// target base tensor. Arithmetic runs in float32 (float64 for F64 targets) and
// the sum is cast back to the target's dtype once, with round-to-nearest-even.
// Tensors without a pair are carried over by reference.
package merge

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/logger"
	"github.com/samcharles93/lorafold/internal/lora"
	"github.com/samcharles93/lorafold/internal/safetensors"
	"github.com/samcharles93/lorafold/internal/tensor"
)

// Options controls one Merge call.
type Options struct {
	Alpha float32
	// Workers bounds the number of target tensors merged concurrently.
	// <= 0 uses GOMAXPROCS.
	Workers int
	// Device runs the arithmetic. Nil uses the CPU.
	Device device.Device
	// Placer moves factors and deltas between host and Device. Nil uses
	// DefaultEngine.
	Placer Placer
}

// Stats summarises a merge.
type Stats struct {
	Pairs       int `json:"pairs"`
	Targets     int `json:"targets"`
	Passthrough int `json:"passthrough"`
	// Inactive counts pairs whose effective scale was zero.
	Inactive int `json:"inactive"`
}

// group is every pair writing to one base tensor.
type group struct {
	target safetensors.TensorInfo
	out    int
	in     int
	pairs  []lora.Pair
}

// Merge applies pairs (read from adapter) to base and returns the merged
// checkpoint. The result shares untouched payloads with base, so base must
// stay open until the result has been written. Every pair is validated before
// any arithmetic starts.
func Merge(ctx context.Context, base, adapter *safetensors.Checkpoint, pairs []lora.Pair, opts Options) (*safetensors.Checkpoint, Stats, error) {
	log := logger.FromContext(ctx)

	groups, stats, err := plan(base, pairs, opts.Alpha)
	if err != nil {
		return nil, Stats{}, err
	}
	dev := opts.Device
	if dev == nil {
		dev = device.NewCPU(device.Options{Workers: opts.Workers})
	}
	placer := opts.Placer
	if placer == nil {
		placer = DefaultEngine{}
	}
	host := device.NewCPU(device.Options{})
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([][]byte, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, grp := range groups {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			buf, err := mergeGroup(base, adapter, grp, opts.Alpha, dev, host, placer)
			if err != nil {
				return err
			}
			results[i] = buf
			log.Debug("merged tensor", "target", grp.target.Name, "pairs", len(grp.pairs), "dtype", grp.target.DType)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}
	// errgroup only cancels gctx on error; a parent cancellation that raced
	// with the last group is caught here.
	if err := ctx.Err(); err != nil {
		return nil, Stats{}, err
	}

	out := base.Derive()
	for i, grp := range groups {
		if err := out.Replace(grp.target.Name, results[i]); err != nil {
			return nil, Stats{}, err
		}
	}
	stats.Targets = len(groups)
	stats.Passthrough = base.Len() - len(groups)
	return out, stats, nil
}

// plan validates every pair against base and groups the active ones by
// target, in target order.
func plan(base *safetensors.Checkpoint, pairs []lora.Pair, alpha float32) ([]group, Stats, error) {
	var missing []string
	for _, p := range pairs {
		if _, ok := base.Tensor(p.Target); !ok {
			missing = append(missing, p.Target)
		}
	}
	if len(missing) > 0 {
		return nil, Stats{}, fmt.Errorf("%w: %s", ErrMissingTarget, strings.Join(missing, ", "))
	}

	stats := Stats{Pairs: len(pairs)}
	var groups []group
	index := make(map[string]int)
	for _, p := range pairs {
		t, _ := base.Tensor(p.Target)
		if !t.DType.IsFloat() {
			return nil, Stats{}, fmt.Errorf("target %q: %w: %s", t.Name, safetensors.ErrUnsupportedDType, t.DType)
		}
		out, in, ok := lora.MatrixDims(t.Shape)
		if !ok {
			return nil, Stats{}, fmt.Errorf("%w: target %q has shape %v, want [out, in]", ErrShapeMismatch, t.Name, t.Shape)
		}
		if p.Out != out || p.In != in {
			return nil, Stats{}, fmt.Errorf("%w: target %q is [%d, %d], adapter %s produces [%d, %d]",
				ErrShapeMismatch, t.Name, out, in, p.Stem, p.Out, p.In)
		}
		if alpha*p.Scale() == 0 {
			stats.Inactive++
			continue
		}
		i, ok := index[t.Name]
		if !ok {
			i = len(groups)
			index[t.Name] = i
			groups = append(groups, group{target: t, out: out, in: in})
		}
		groups[i].pairs = append(groups[i].pairs, p)
	}
	return groups, stats, nil
}

// mergeGroup sums every pair's delta into one float32 matrix and adds it to
// the target's payload, returning a fresh buffer.
func mergeGroup(base, adapter *safetensors.Checkpoint, grp group, alpha float32, dev, host device.Device, placer Placer) ([]byte, error) {
	delta, err := placer.Place(dev, tensor.NewMat(grp.out, grp.in))
	if err != nil {
		return nil, err
	}
	for _, p := range grp.pairs {
		up, err := load(adapter, p.Up, p.Out, p.Rank, dev, placer)
		if err != nil {
			return nil, err
		}
		down, err := load(adapter, p.Down, p.Rank, p.In, dev, placer)
		if err != nil {
			return nil, err
		}
		if err := dev.GemmAcc(delta, up, down, alpha*p.Scale()); err != nil {
			return nil, fmt.Errorf("%s: %w", p.Stem, err)
		}
	}
	onHost, err := placer.Place(host, delta)
	if err != nil {
		return nil, err
	}

	raw, err := base.View(grp.target)
	if err != nil {
		return nil, err
	}
	buf := safetensors.AllocLike(grp.target)
	if err := tensor.AddInto(buf, grp.target.DType, raw, onHost.Data); err != nil {
		return nil, fmt.Errorf("target %q: %w", grp.target.Name, err)
	}
	return buf, nil
}

func load(c *safetensors.Checkpoint, t safetensors.TensorInfo, rows, cols int, dev device.Device, placer Placer) (*tensor.Mat, error) {
	raw, err := c.View(t)
	if err != nil {
		return nil, err
	}
	m, err := tensor.DecodeMat(rows, cols, t.DType, raw)
	if err != nil {
		return nil, fmt.Errorf("adapter tensor %q: %w", t.Name, err)
	}
	return placer.Place(dev, m)
}

// Tolerance is the relative error allowed between devices for a dtype.
func Tolerance(dt safetensors.DType) float64 {
	switch dt {
	case safetensors.F16, safetensors.BF16:
		return 1e-3
	case safetensors.F32:
		return 1e-5
	case safetensors.F64:
		// The low-rank product itself is formed in float32.
		return 1e-6
	default:
		return 0
	}
}
