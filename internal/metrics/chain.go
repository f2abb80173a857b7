package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChainMetrics tracks ledger and network state reported by the sync service
// and the p2p layer.
type ChainMetrics struct {
	height   prometheus.Gauge
	mempool  prometheus.Gauge
	peers    prometheus.Gauge
	mined    prometheus.Counter
	syncRuns *prometheus.CounterVec
}

// NewChainMetrics registers the chain collectors.
func NewChainMetrics(reg prometheus.Registerer) *ChainMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &ChainMetrics{
		height: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "height",
			Help: "Height of the local chain tip",
		}),
		mempool: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "mempool_size",
			Help: "Pending transactions in the mempool",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "p2p", Name: "peers",
			Help: "Connected libp2p peers",
		}),
		mined: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "blocks_mined_total",
			Help: "Blocks mined by this node",
		}),
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "runs_total",
			Help: "Background sync passes by outcome",
		}, []string{"outcome"}),
	}
}

// SetHeight records the chain height.
func (m *ChainMetrics) SetHeight(h uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(h))
}

// SetMempool records the mempool size.
func (m *ChainMetrics) SetMempool(n int) {
	if m == nil {
		return
	}
	m.mempool.Set(float64(n))
}

// SetPeers records the connected peer count.
func (m *ChainMetrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// BlockMined records a locally mined block.
func (m *ChainMetrics) BlockMined() {
	if m == nil {
		return
	}
	m.mined.Inc()
}

// SyncRun records one background sync pass.
func (m *ChainMetrics) SyncRun(outcome string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(outcome).Inc()
}
