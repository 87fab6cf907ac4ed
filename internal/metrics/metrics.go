// Package metrics exposes merge counters for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/lorafold/internal/merge"
)

const namespace = "lorafold"

// Merge holds the merge collectors. It implements merge.Observer.
type Merge struct {
	Runs        *prometheus.CounterVec
	Pairs       prometheus.Counter
	Passthrough prometheus.Counter
	Bytes       prometheus.Counter
	Duration    *prometheus.HistogramVec
}

var _ merge.Observer = (*Merge)(nil)

// New registers the merge collectors on reg.
func New(reg prometheus.Registerer) *Merge {
	f := promauto.With(reg)
	return &Merge{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge runs by outcome kind (\"ok\" on success).",
		}, []string{"kind"}),
		Pairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_merged_total",
			Help:      "Adapter pairs folded into base tensors.",
		}),
		Passthrough: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tensors_passthrough_total",
			Help:      "Base tensors copied to the output unchanged.",
		}),
		Bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes of merged checkpoints written.",
		}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Wall time of merge runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"device"}),
	}
}

func (m *Merge) ObserveRun(kind merge.Kind, res merge.Result) {
	label := string(kind)
	if kind == merge.KindNone {
		label = "ok"
	}
	m.Runs.WithLabelValues(label).Inc()
	if kind != merge.KindNone {
		return
	}
	m.Pairs.Add(float64(res.Stats.Pairs - res.Stats.Inactive))
	m.Passthrough.Add(float64(res.Stats.Passthrough))
	m.Bytes.Add(float64(res.BytesWritten))
	m.Duration.WithLabelValues(res.Device).Observe(res.Duration.Seconds())
}
