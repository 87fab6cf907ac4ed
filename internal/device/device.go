// Package device elects where merge arithmetic runs.
//
// The CPU device is always present. Accelerators register a probe at init
// time (see Register); the default build registers none, so "auto" resolves
// to the CPU.
package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/lorafold/internal/tensor"
)

const (
	CPU         = "cpu"
	Accelerator = "accelerator"
	Auto        = "auto"
)

// ErrUnavailable is returned when an accelerator is requested explicitly and
// none can be opened.
var ErrUnavailable = errors.New("no accelerator available")

// Device executes the merge's matrix arithmetic.
type Device interface {
	Name() string
	// Place returns m resident on this device. Placing a matrix that is
	// already resident returns m itself.
	Place(m *tensor.Mat) (*tensor.Mat, error)
	// GemmAcc computes dst += alpha * (a×b). All operands must be placed.
	GemmAcc(dst, a, b *tensor.Mat, alpha float32) error
}

// Probe opens an accelerator, or reports why it cannot.
type Probe func(opts Options) (Device, error)

// Options tunes the selected device.
type Options struct {
	// Workers bounds intra-GEMM parallelism on the CPU. <= 0 uses GOMAXPROCS.
	Workers int
}

// Normalize maps a user selector to auto, cpu or accelerator.
func Normalize(name string) (string, error) {
	sel := strings.ToLower(strings.TrimSpace(name))
	switch sel {
	case "", Auto:
		return Auto, nil
	case CPU:
		return CPU, nil
	case Accelerator, "gpu", "cuda":
		return Accelerator, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, or accelerator)", name)
	}
}

type registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Probe
}

func newRegistry() *registry {
	return &registry{probes: make(map[string]Probe)}
}

var defaultRegistry = newRegistry()

// Register makes an accelerator available to Select. Registration order is
// the order auto-selection tries them in. Registering a name twice panics.
func Register(name string, probe Probe) {
	defaultRegistry.register(name, probe)
}

// Select resolves selector to a concrete device. "auto" never fails: it falls
// back to the CPU when no accelerator opens.
func Select(selector string, opts Options) (Device, error) {
	return defaultRegistry.selectDevice(selector, opts)
}

// Has reports whether name (cpu or a registered accelerator) can be opened.
func Has(name string) bool {
	return defaultRegistry.has(name)
}

// Available returns a comma-separated list of devices that open successfully.
func Available() string {
	return defaultRegistry.available()
}

func (r *registry) register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if probe == nil {
		panic("device: Register probe is nil")
	}
	if _, dup := r.probes[name]; dup || name == CPU {
		panic("device: Register called twice for " + name)
	}
	r.names = append(r.names, name)
	r.probes[name] = probe
}

func (r *registry) selectDevice(selector string, opts Options) (Device, error) {
	sel, err := Normalize(selector)
	if err != nil {
		return nil, err
	}
	switch sel {
	case CPU:
		return NewCPU(opts), nil
	case Accelerator:
		dev, errs := r.firstAccelerator(opts)
		if dev == nil {
			if len(errs) == 0 {
				return nil, ErrUnavailable
			}
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
		}
		return dev, nil
	default:
		if dev, _ := r.firstAccelerator(opts); dev != nil {
			return dev, nil
		}
		return NewCPU(opts), nil
	}
}

func (r *registry) firstAccelerator(opts Options) (Device, []error) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	r.mu.RUnlock()

	var errs []error
	for _, name := range names {
		r.mu.RLock()
		probe := r.probes[name]
		r.mu.RUnlock()
		dev, err := probe(opts)
		if err == nil && dev != nil {
			return dev, nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return nil, errs
}

func (r *registry) has(name string) bool {
	if name == CPU {
		return true
	}
	r.mu.RLock()
	probe, ok := r.probes[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	dev, err := probe(Options{})
	return err == nil && dev != nil
}

func (r *registry) available() string {
	entries := []string{CPU}
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	r.mu.RUnlock()
	for _, name := range names {
		if r.has(name) {
			entries = append(entries, name)
		}
	}
	return strings.Join(entries, ",")
}
