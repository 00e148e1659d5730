package node

import (
	"io"
	"net/http"

	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/VictoriaMetrics/metrics"
)

// Metrics is the replica.MetricsSink of a node and exposes its gauges in
// the Prometheus text format
type Metrics struct {
	set      *metrics.Set
	leaders  *metrics.Counter
	timeouts *metrics.Counter
}

var _ replica.MetricsSink = (*Metrics)(nil)

func NewMetrics(n *Node) *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:      set,
		leaders:  set.NewCounter("drange_leader_ranges"),
		timeouts: set.NewCounter("drange_pending_timeouts_total"),
	}
	set.NewGauge("drange_ranges", func() float64 {
		return float64(n.replicas.Size())
	})
	set.NewGauge("drange_pending_requests", func() float64 {
		total := 0
		n.replicas.Range(func(_ uint64, r *replica.Replica) bool {
			total += r.PendingCount()
			return true
		})
		return float64(total)
	})
	set.NewGauge("drange_watchers", func() float64 {
		return float64(n.watches.Len())
	})
	set.NewGauge("drange_watched_keys", func() float64 {
		return float64(n.watches.KeyCount())
	})
	return m
}

func (m *Metrics) IncLeaders() { m.leaders.Inc() }

func (m *Metrics) DecLeaders() { m.leaders.Dec() }

func (m *Metrics) AddTimeouts(n int) { m.timeouts.Add(n) }

// Leaders returns the number of ranges this node leads
func (m *Metrics) Leaders() uint64 { return m.leaders.Get() }

// Timeouts returns the number of requests answered with a timeout
func (m *Metrics) Timeouts() uint64 { return m.timeouts.Get() }

func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Handler serves the metrics of the node, plus the process metrics
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		m.set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
}
