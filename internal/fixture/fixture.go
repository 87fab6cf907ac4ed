// Package fixture builds small, valid base and adapter checkpoints from a
// seed. Fixtures go through the regular codec; nothing about them is special.
package fixture

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/samcharles93/lorafold/internal/safetensors"
	"github.com/samcharles93/lorafold/internal/tensor"
)

const (
	defaultWidth = 64
	defaultRank  = 4

	streamBase = 0x62617365
	streamLoRA = 0x6c6f7261
)

// Options controls fixture contents. Zero values pick F32, rank 4, width 64
// and seed 0.
type Options struct {
	DType safetensors.DType
	Rank  int
	Width int
	Seed  uint64
}

func (o Options) normalize() (Options, error) {
	if o.DType == "" {
		o.DType = safetensors.F32
	}
	if !o.DType.IsFloat() {
		return o, fmt.Errorf("fixture dtype %s: %w", o.DType, safetensors.ErrUnsupportedDType)
	}
	if o.Width == 0 {
		o.Width = defaultWidth
	}
	if o.Rank == 0 {
		o.Rank = min(defaultRank, o.Width)
	}
	if o.Width < 1 || o.Rank < 1 || o.Rank > o.Width {
		return o, fmt.Errorf("fixture: need 1 <= rank (%d) <= width (%d)", o.Rank, o.Width)
	}
	return o, nil
}

// Layout is the shape of a fixture model: Layers square Width×Width weights.
type Layout struct {
	Layers int
	Width  int
}

// LayoutFor sizes a base model of roughly approxBytes. The result always has
// at least one layer.
func LayoutFor(approxBytes int64, opts Options) (Layout, error) {
	opts, err := opts.normalize()
	if err != nil {
		return Layout{}, err
	}
	perLayer := int64(opts.Width * opts.Width * opts.DType.Size())
	return Layout{Layers: int(max(1, approxBytes/perLayer)), Width: opts.Width}, nil
}

// LayerName is the base tensor name of layer i.
func LayerName(i int) string {
	return "layer" + strconv.Itoa(i) + ".weight"
}

// Base builds a base checkpoint: one [Width, Width] weight per layer plus a
// [Width] norm vector no adapter targets.
func Base(l Layout, opts Options) (*safetensors.Checkpoint, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, streamBase))
	c := safetensors.New(map[string]string{"format": "pt", "generator": "lorafold-fixture"})
	for i := range l.Layers {
		if err := PutFloats(c, LayerName(i), opts.DType, []int{l.Width, l.Width}, uniform(rng, l.Width*l.Width, 0.5)); err != nil {
			return nil, err
		}
	}
	if err := PutFloats(c, "norm.weight", opts.DType, []int{l.Width}, uniform(rng, l.Width, 1)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoRA builds an adapter for the Base with the same layout: a kohya-style
// down/up pair and an alpha scalar per layer.
func LoRA(l Layout, opts Options) (*safetensors.Checkpoint, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, streamLoRA))
	r := opts.Rank
	c := safetensors.New(map[string]string{"ss_network_dim": strconv.Itoa(r), "generator": "lorafold-fixture"})
	for i := range l.Layers {
		stem := "layer" + strconv.Itoa(i)
		if err := PutFloats(c, stem+".lora_down.weight", opts.DType, []int{r, l.Width}, uniform(rng, r*l.Width, 0.1)); err != nil {
			return nil, err
		}
		if err := PutFloats(c, stem+".lora_up.weight", opts.DType, []int{l.Width, r}, uniform(rng, l.Width*r, 0.1)); err != nil {
			return nil, err
		}
		if err := PutFloats(c, stem+".alpha", opts.DType, []int{}, []float32{float32(r)}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MakeBase writes a base checkpoint of roughly approxBytes to path.
func MakeBase(path string, approxBytes int64, opts Options) error {
	l, err := LayoutFor(approxBytes, opts)
	if err != nil {
		return err
	}
	c, err := Base(l, opts)
	if err != nil {
		return err
	}
	return safetensors.Write(path, c)
}

// MakeLoRA writes the adapter for the base MakeBase would produce with the
// same approxBytes and options. The adapter itself is smaller by a factor of
// about width/(2*rank).
func MakeLoRA(path string, approxBytes int64, opts Options) error {
	l, err := LayoutFor(approxBytes, opts)
	if err != nil {
		return err
	}
	c, err := LoRA(l, opts)
	if err != nil {
		return err
	}
	return safetensors.Write(path, c)
}

// PutFloats encodes vals as dt and stores them in c under name.
func PutFloats(c *safetensors.Checkpoint, name string, dt safetensors.DType, shape []int, vals []float32) error {
	raw := make([]byte, len(vals)*dt.Size())
	if err := tensor.Encode(raw, dt, vals); err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	return c.Put(name, dt, shape, raw)
}

// Filled returns n copies of v.
func Filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func uniform(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}
