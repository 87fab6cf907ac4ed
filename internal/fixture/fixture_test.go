package fixture

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/lorafold/internal/safetensors"
)

func TestLayoutFor(t *testing.T) {
	t.Parallel()
	l, err := LayoutFor(64*64*4*3, Options{})
	require.NoError(t, err)
	require.Equal(t, Layout{Layers: 3, Width: 64}, l)

	l, err = LayoutFor(1, Options{DType: safetensors.F16, Width: 8})
	require.NoError(t, err)
	require.Equal(t, Layout{Layers: 1, Width: 8}, l)

	_, err = LayoutFor(1, Options{DType: safetensors.I32})
	require.ErrorIs(t, err, safetensors.ErrUnsupportedDType)

	_, err = LayoutFor(1, Options{Width: 2, Rank: 3})
	require.Error(t, err)
}

func TestMakeBaseAndLoRAAreValid(t *testing.T) {
	t.Parallel()
	for _, dt := range []safetensors.DType{safetensors.F32, safetensors.F16, safetensors.BF16, safetensors.F64} {
		t.Run(string(dt), func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			basePath := filepath.Join(dir, "base.safetensors")
			loraPath := filepath.Join(dir, "lora.safetensors")
			opts := Options{DType: dt, Width: 16, Rank: 2, Seed: 7}

			require.NoError(t, MakeBase(basePath, 16*16*int64(dt.Size())*4, opts))
			require.NoError(t, MakeLoRA(loraPath, 16*16*int64(dt.Size())*4, opts))

			base, err := safetensors.Read(basePath)
			require.NoError(t, err)
			defer base.Close()
			require.Equal(t, 5, base.Len())
			info, ok := base.Tensor("layer3.weight")
			require.True(t, ok)
			require.Equal(t, []int{16, 16}, info.Shape)
			require.Equal(t, dt, info.DType)

			adapter, err := safetensors.Read(loraPath)
			require.NoError(t, err)
			defer adapter.Close()
			require.Equal(t, 12, adapter.Len())
			down, ok := adapter.Tensor("layer0.lora_down.weight")
			require.True(t, ok)
			require.Equal(t, []int{2, 16}, down.Shape)
			alpha, ok := adapter.Tensor("layer0.alpha")
			require.True(t, ok)
			require.Empty(t, alpha.Shape)
		})
	}
}

func TestFixturesRoundTripThroughCodec(t *testing.T) {
	t.Parallel()
	l := Layout{Layers: 3, Width: 8}
	for _, dt := range []safetensors.DType{safetensors.F32, safetensors.F16, safetensors.BF16, safetensors.F64} {
		opts := Options{DType: dt, Rank: 2, Seed: 11}
		build := map[string]func(Layout, Options) (*safetensors.Checkpoint, error){
			"base": Base,
			"lora": LoRA,
		}
		for kind, fn := range build {
			t.Run(string(dt)+"/"+kind, func(t *testing.T) {
				t.Parallel()
				want, err := fn(l, opts)
				require.NoError(t, err)

				path := filepath.Join(t.TempDir(), kind+".safetensors")
				require.NoError(t, safetensors.Write(path, want))
				got, err := safetensors.Read(path)
				require.NoError(t, err)
				defer got.Close()

				require.Equal(t, want.Metadata(), got.Metadata())
				require.Equal(t, safetensors.Layout(want), got.Tensors())
				for _, info := range want.Tensors() {
					wantRaw, err := want.View(info)
					require.NoError(t, err)
					_, gotRaw, err := got.ViewByName(info.Name)
					require.NoError(t, err)
					require.True(t, bytes.Equal(wantRaw, gotRaw), "payload of %s differs", info.Name)
				}
			})
		}
	}
}

func TestFixturesAreDeterministic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name string, seed uint64) []byte {
		p := filepath.Join(dir, name)
		require.NoError(t, MakeBase(p, 8192, Options{Width: 8, Seed: seed}))
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		return b
	}
	a := write("a.safetensors", 1)
	b := write("b.safetensors", 1)
	c := write("c.safetensors", 2)
	require.True(t, bytes.Equal(a, b), "same seed must give identical files")
	require.False(t, bytes.Equal(a, c), "different seeds should differ")
}

func TestPutFloatsRejectsIntegerDType(t *testing.T) {
	t.Parallel()
	c := safetensors.New(nil)
	err := PutFloats(c, "x", safetensors.I8, []int{2}, []float32{1, 2})
	require.ErrorIs(t, err, safetensors.ErrUnsupportedDType)
	require.Zero(t, c.Len())
}

func TestFilled(t *testing.T) {
	t.Parallel()
	require.Equal(t, []float32{1.5, 1.5, 1.5}, Filled(3, 1.5))
}
