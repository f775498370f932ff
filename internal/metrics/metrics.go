package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NodePath81/fbpace/internal/transfer"
)

const namespace = "fbpace"

// Totals is a point-in-time view of the aggregate counters.
type Totals struct {
	ActiveConnections int64   `json:"active_connections"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesReceived     uint64  `json:"bytes_received"`
	SendBitsPerSec    float64 `json:"send_bps"`
	RecvBitsPerSec    float64 `json:"recv_bps"`
	TargetBitsPerSec  uint64  `json:"target_bps"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Metrics tracks connection and throughput counters in a private Prometheus
// registry. It implements transfer.Tracker.
type Metrics struct {
	registry *prometheus.Registry

	active      prometheus.Gauge
	targetRate  prometheus.Gauge
	bytes       *prometheus.CounterVec
	connections *prometheus.CounterVec
	backoffs    prometheus.Counter
	throughput  *prometheus.GaugeVec

	activeCount atomic.Int64
	sent        atomic.Uint64
	received    atomic.Uint64
	target      atomic.Uint64

	mu        sync.Mutex
	lastSent  uint64
	lastRecv  uint64
	sendBps   float64
	recvBps   float64
	lastTick  time.Time
	startTime time.Time
}

func NewMetrics(hostname string) *Metrics {
	labels := prometheus.Labels{"host": hostname}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_connections",
			Help:        "Connections currently registered with the pacer.",
			ConstLabels: labels,
		}),
		targetRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "target_rate_bits_per_second",
			Help:        "Configured aggregate rate; 0 means unlimited.",
			ConstLabels: labels,
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_total",
			Help:        "Payload bytes moved.",
			ConstLabels: labels,
		}, []string{"direction"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "connections_total",
			Help:        "Finished connections by termination reason.",
			ConstLabels: labels,
		}, []string{"direction", "reason"}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "budget_backoffs_total",
			Help:        "Times a worker slept because its budget was below the minimum grant.",
			ConstLabels: labels,
		}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "throughput_bits_per_second",
			Help:        "Aggregate throughput over the last second.",
			ConstLabels: labels,
		}, []string{"direction"}),
		startTime: time.Now(),
	}
	m.lastTick = m.startTime
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.active,
		m.targetRate,
		m.bytes,
		m.connections,
		m.backoffs,
		m.throughput,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "uptime_seconds",
			Help:        "Seconds since the process started.",
			ConstLabels: labels,
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	return m
}

// Start refreshes the per-second throughput gauges until ctxDone closes.
func (m *Metrics) Start(ctxDone <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick(time.Now())
			case <-ctxDone:
				return
			}
		}
	}()
}

func (m *Metrics) tick(now time.Time) {
	sent := m.sent.Load()
	recv := m.received.Load()

	m.mu.Lock()
	elapsed := now.Sub(m.lastTick).Seconds()
	if elapsed > 0 {
		m.sendBps = float64(sent-m.lastSent) * 8 / elapsed
		m.recvBps = float64(recv-m.lastRecv) * 8 / elapsed
	}
	m.lastSent, m.lastRecv, m.lastTick = sent, recv, now
	sendBps, recvBps := m.sendBps, m.recvBps
	m.mu.Unlock()

	m.throughput.WithLabelValues(transfer.Send.String()).Set(sendBps)
	m.throughput.WithLabelValues(transfer.Receive.String()).Set(recvBps)
}

func (m *Metrics) SetTargetRate(bits uint64) {
	m.target.Store(bits)
	m.targetRate.Set(float64(bits))
}

func (m *Metrics) Started(_, _ string, _ transfer.Direction) {
	m.activeCount.Add(1)
	m.active.Inc()
}

func (m *Metrics) Progress(_ string, dir transfer.Direction, n int) {
	if n <= 0 {
		return
	}
	if dir == transfer.Receive {
		m.received.Add(uint64(n))
	} else {
		m.sent.Add(uint64(n))
	}
	m.bytes.WithLabelValues(dir.String()).Add(float64(n))
}

func (m *Metrics) Finished(r transfer.Report) {
	m.activeCount.Add(-1)
	m.active.Dec()
	m.connections.WithLabelValues(r.Direction.String(), string(r.Reason)).Inc()
	if r.Backoffs > 0 {
		m.backoffs.Add(float64(r.Backoffs))
	}
}

func (m *Metrics) Totals() Totals {
	m.mu.Lock()
	sendBps, recvBps := m.sendBps, m.recvBps
	m.mu.Unlock()
	return Totals{
		ActiveConnections: m.activeCount.Load(),
		BytesSent:         m.sent.Load(),
		BytesReceived:     m.received.Load(),
		SendBitsPerSec:    sendBps,
		RecvBitsPerSec:    recvBps,
		TargetBitsPerSec:  m.target.Load(),
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
