package repository

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-repository counters and gauges exposed for
// operational visibility (spec.md §4 ambient concern, not a protocol
// invariant). Adapted from the teacher's metrics.Averager registration
// pattern (metrics/metric.go) onto this domain's actual quantities:
// blocks moved over the wire, roots pushed, quota rejections, tracker
// size, and connected peers. Nothing in this module increments
// BlocksSent or BlocksReceived, so both stay at zero.
type Metrics struct {
	BlocksSent     prometheus.Counter
	BlocksReceived prometheus.Counter
	RootsPushed    prometheus.Counter
	QuotaRejected  prometheus.Counter
	TrackerBlocks  prometheus.GaugeFunc
	PeerCount      prometheus.Gauge
}

// NewMetrics registers a Repository's metrics against reg, prefixed
// ouisync_. trackerSize is called lazily by the registry's collector, so
// it must be safe to call from any goroutine (block/tracker.Tracker's
// Len is).
func NewMetrics(reg prometheus.Registerer, trackerSize func() float64) *Metrics {
	m := &Metrics{
		BlocksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouisync_blocks_sent_total",
			Help: "Blocks served to peers.",
		}),
		BlocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouisync_blocks_received_total",
			Help: "Blocks downloaded from peers.",
		}),
		RootsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouisync_roots_pushed_total",
			Help: "Unsolicited root-node notifications sent to peers.",
		}),
		QuotaRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ouisync_quota_rejected_total",
			Help: "Snapshots rejected by Finalize's quota check.",
		}),
		TrackerBlocks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ouisync_tracker_blocks",
			Help: "Blocks currently tracked as offered, required, or accepted.",
		}, trackerSize),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ouisync_connected_peers",
			Help: "Currently connected peer sessions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BlocksSent,
			m.BlocksReceived,
			m.RootsPushed,
			m.QuotaRejected,
			m.TrackerBlocks,
			m.PeerCount,
		)
	}
	return m
}
