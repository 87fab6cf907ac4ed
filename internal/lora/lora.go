// Package lora groups the tensors of an adapter checkpoint into down/up pairs
// and maps each pair to the base tensor it modifies.
package lora

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/samcharles93/lorafold/internal/logger"
	"github.com/samcharles93/lorafold/internal/safetensors"
	"github.com/samcharles93/lorafold/internal/tensor"
)

var (
	ErrUnpairedAdapter = errors.New("unpaired adapter tensor")
	ErrNoAdapters      = errors.New("no adapter tensors")
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrInvalidAlpha    = errors.New("invalid adapter alpha")
)

// Pair is one low-rank update: Up (B, [out, r]) times Down (A, [r, in]).
type Pair struct {
	Target string
	Stem   string
	Down   safetensors.TensorInfo
	Up     safetensors.TensorInfo
	Rank   int
	Out    int
	In     int

	Alpha    float32
	HasAlpha bool
}

// Scale is alpha/rank when the adapter carries an alpha tensor, else 1.
func (p Pair) Scale() float32 {
	if !p.HasAlpha {
		return 1
	}
	return p.Alpha / float32(p.Rank)
}

// Skip records an adapter-checkpoint tensor that did not become part of a pair.
type Skip struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type halves struct {
	down, up *safetensors.TensorInfo
}

type stemGroup struct {
	families map[int]*halves
	alpha    *safetensors.TensorInfo
}

// Resolve pairs the adapter tensors of ckpt under conv. Pairs come back sorted
// by target, then stem. A half without its partner is skipped, unless no
// complete pair exists, in which case Resolve fails with ErrUnpairedAdapter.
func Resolve(ctx context.Context, ckpt *safetensors.Checkpoint, conv Convention) ([]Pair, []Skip, error) {
	log := logger.FromContext(ctx)

	groups := make(map[string]*stemGroup)
	group := func(stem string) *stemGroup {
		g, ok := groups[stem]
		if !ok {
			g = &stemGroup{families: make(map[int]*halves)}
			groups[stem] = g
		}
		return g
	}

	var skips []Skip
	adapters := 0
	for _, t := range ckpt.Tensors() {
		r, stem, fam := conv.classify(t.Name)
		switch r {
		case roleNone:
			log.Debug("skipping non-adapter tensor", "tensor", t.Name)
			skips = append(skips, Skip{Name: t.Name, Reason: "not an adapter tensor"})
			continue
		case roleAlpha:
			g := group(stem)
			g.alpha = &t
			continue
		}
		adapters++
		g := group(stem)
		h, ok := g.families[fam]
		if !ok {
			h = &halves{}
			g.families[fam] = h
		}
		if r == roleDown {
			h.down = &t
		} else {
			h.up = &t
		}
	}
	if adapters == 0 {
		return nil, skips, fmt.Errorf("%w: %d tensors, none match the adapter naming convention", ErrNoAdapters, ckpt.Len())
	}

	var (
		pairs    []Pair
		unpaired []string
	)
	stems := make([]string, 0, len(groups))
	for stem := range groups {
		stems = append(stems, stem)
	}
	slices.Sort(stems)

	for _, stem := range stems {
		g := groups[stem]
		fams := make([]int, 0, len(g.families))
		for f := range g.families {
			fams = append(fams, f)
		}
		slices.Sort(fams)

		paired := false
		for _, f := range fams {
			h := g.families[f]
			switch {
			case h.down == nil:
				unpaired = append(unpaired, h.up.Name)
				skips = append(skips, Skip{Name: h.up.Name, Reason: "up projection without down projection"})
				log.Warn("skipping unpaired adapter tensor", "tensor", h.up.Name, "missing", "down")
				continue
			case h.up == nil:
				unpaired = append(unpaired, h.down.Name)
				skips = append(skips, Skip{Name: h.down.Name, Reason: "down projection without up projection"})
				log.Warn("skipping unpaired adapter tensor", "tensor", h.down.Name, "missing", "up")
				continue
			}
			p, err := newPair(ckpt, conv.Target(stem), stem, *h.down, *h.up, g.alpha)
			if err != nil {
				return nil, skips, err
			}
			pairs = append(pairs, p)
			paired = true
		}
		if g.alpha != nil && !paired {
			skips = append(skips, Skip{Name: g.alpha.Name, Reason: "alpha without adapter pair"})
			log.Debug("skipping orphan alpha", "tensor", g.alpha.Name)
		}
	}

	if len(pairs) == 0 {
		return nil, skips, fmt.Errorf("%w: %s", ErrUnpairedAdapter, strings.Join(unpaired, ", "))
	}
	slices.SortStableFunc(pairs, func(a, b Pair) int {
		return cmp.Or(cmp.Compare(a.Target, b.Target), cmp.Compare(a.Stem, b.Stem))
	})
	log.Debug("resolved adapter", "pairs", len(pairs), "skipped", len(skips))
	return pairs, skips, nil
}

func newPair(ckpt *safetensors.Checkpoint, target, stem string, down, up safetensors.TensorInfo, alpha *safetensors.TensorInfo) (Pair, error) {
	for _, t := range []safetensors.TensorInfo{down, up} {
		if !t.DType.IsFloat() {
			return Pair{}, fmt.Errorf("adapter tensor %q: %w: %s", t.Name, safetensors.ErrUnsupportedDType, t.DType)
		}
	}
	r, in, ok := MatrixDims(down.Shape)
	if !ok {
		return Pair{}, fmt.Errorf("%w: down projection %q has shape %v, want [r, in]", ErrShapeMismatch, down.Name, down.Shape)
	}
	out, r2, ok := MatrixDims(up.Shape)
	if !ok {
		return Pair{}, fmt.Errorf("%w: up projection %q has shape %v, want [out, r]", ErrShapeMismatch, up.Name, up.Shape)
	}
	if r != r2 {
		return Pair{}, fmt.Errorf("%w: %s: down rank %d != up rank %d", ErrShapeMismatch, stem, r, r2)
	}

	p := Pair{Target: target, Stem: stem, Down: down, Up: up, Rank: r, Out: out, In: in}
	if alpha != nil {
		v, err := scalarValue(ckpt, *alpha)
		if err != nil {
			return Pair{}, err
		}
		p.Alpha, p.HasAlpha = v, true
	}
	return p, nil
}

func scalarValue(ckpt *safetensors.Checkpoint, t safetensors.TensorInfo) (float32, error) {
	if t.NumElements() != 1 {
		return 0, fmt.Errorf("%w: alpha %q has shape %v, want a scalar", ErrShapeMismatch, t.Name, t.Shape)
	}
	if !t.DType.IsFloat() {
		return 0, fmt.Errorf("alpha %q: %w: %s", t.Name, safetensors.ErrUnsupportedDType, t.DType)
	}
	raw, err := ckpt.View(t)
	if err != nil {
		return 0, err
	}
	var v [1]float32
	if err := tensor.Decode(v[:], t.DType, raw); err != nil {
		return 0, fmt.Errorf("alpha %q: %w", t.Name, err)
	}
	if f := float64(v[0]); math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q is %v", ErrInvalidAlpha, t.Name, v[0])
	}
	return v[0], nil
}

// MatrixDims reads shape as a rows×cols matrix. 4-D shapes with trailing 1×1
// kernel dimensions (pointwise convolutions) are accepted.
func MatrixDims(shape []int) (rows, cols int, ok bool) {
	switch {
	case len(shape) == 2:
		return shape[0], shape[1], true
	case len(shape) == 4 && shape[2] == 1 && shape[3] == 1:
		return shape[0], shape[1], true
	default:
		return 0, 0, false
	}
}
