package device

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHost(t *testing.T) {
	h := Host()
	require.Equal(t, runtime.GOOS, h.GoOS)
	require.Equal(t, runtime.GOARCH, h.GoArch)
	require.Equal(t, runtime.NumCPU(), h.CPUs)
	require.Len(t, h.Features, len(hostFeatures))
}

func TestHostInfoSupported(t *testing.T) {
	h := HostInfo{Features: map[string]bool{"FMA": true, "AVX": true, "AVX512F": false}}
	require.Equal(t, []string{"AVX", "FMA"}, h.Supported())
	require.Empty(t, HostInfo{}.Supported())
}
