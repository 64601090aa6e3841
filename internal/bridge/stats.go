package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"dcrelay/internal/database"
	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

// Snapshot is the observability view of a running bridge.
type Snapshot struct {
	TotalRelayed  int64                                    `json:"total_relayed"`
	TotalFailed   int64                                    `json:"total_failed"`
	TotalDeduped  int64                                    `json:"total_deduped"`
	TotalRejected int64                                    `json:"total_rejected"`
	PendingCount  int64                                    `json:"pending_count"`
	DeferredCount int64                                    `json:"deferred_count"`
	ErrorCount    int64                                    `json:"error_count"`
	Connections   map[types.Network]types.ConnectionStatus `json:"connections"`
	LastHeartbeat time.Time                                `json:"last_heartbeat"`
	StoreDegraded bool                                     `json:"store_degraded"`
}

// Stats holds the bridge counters and mirrors them into a Prometheus
// registry owned by this instance.
type Stats struct {
	mu   sync.Mutex
	snap Snapshot

	registry  *prometheus.Registry
	relayed   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	deduped   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	pending   prometheus.Gauge
	deferred  prometheus.Gauge
	connected *prometheus.GaugeVec
	latency   prometheus.Histogram
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	s := &Stats{
		snap: Snapshot{
			Connections: map[types.Network]types.ConnectionStatus{
				types.NetworkA: types.Disconnected,
				types.NetworkB: types.Disconnected,
			},
		},
		registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrelay", Name: "messages_relayed_total",
			Help: "Messages delivered to the target network.",
		}, []string{"source"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrelay", Name: "messages_failed_total",
			Help: "Messages that ended in the failed state.",
		}, []string{"source"}),
		deduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrelay", Name: "messages_deduped_total",
			Help: "Messages rejected as duplicates.",
		}, []string{"source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrelay", Name: "events_rejected_total",
			Help: "Inbound events dropped by the normalizer.",
		}, []string{"source", "reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrelay", Name: "delivery_errors_total",
			Help: "Failed delivery attempts.",
		}, []string{"target"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dcrelay", Name: "messages_pending",
			Help: "Messages accepted but not yet terminal, deferred ones included.",
		}),
		deferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dcrelay", Name: "messages_deferred",
			Help: "Pending messages whose room has no usable mapping.",
		}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcrelay", Name: "network_connected",
			Help: "1 when the adapter of a network reports connected.",
		}, []string{"network"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dcrelay", Name: "delivery_latency_seconds",
			Help:    "Time from message creation to successful delivery.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}
	s.registry.MustRegister(
		s.relayed, s.failed, s.deduped, s.rejected, s.errors,
		s.pending, s.deferred, s.connected, s.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry exposes the per-instance metrics registry.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Seed restores cumulative counters from persisted state.
func (s *Stats) Seed(state *models.BridgeState, counts map[types.MessageStatus]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state != nil {
		s.snap.TotalRelayed = state.TotalMessagesRelayed
		s.snap.ErrorCount = state.ErrorCount
	}
	s.snap.TotalFailed = counts[types.StatusFailed]
	s.snap.TotalDeduped = counts[types.StatusDeduped]
}

func (s *Stats) Accepted() {
	s.mu.Lock()
	s.snap.PendingCount++
	s.mu.Unlock()
	s.pending.Inc()
}

func (s *Stats) Relayed(msg *types.BridgeMessage, at time.Time) {
	s.mu.Lock()
	s.snap.TotalRelayed++
	s.snap.PendingCount--
	s.mu.Unlock()
	s.pending.Dec()
	s.relayed.WithLabelValues(string(msg.SourceNetwork)).Inc()
	if !msg.CreatedAt.IsZero() {
		s.latency.Observe(at.Sub(msg.CreatedAt).Seconds())
	}
}

func (s *Stats) Failed(msg *types.BridgeMessage) {
	s.mu.Lock()
	s.snap.TotalFailed++
	s.snap.PendingCount--
	s.mu.Unlock()
	s.pending.Dec()
	s.failed.WithLabelValues(string(msg.SourceNetwork)).Inc()
}

func (s *Stats) Deduped(msg *types.BridgeMessage) {
	s.mu.Lock()
	s.snap.TotalDeduped++
	s.mu.Unlock()
	s.deduped.WithLabelValues(string(msg.SourceNetwork)).Inc()
}

// Deferred counts a pending message parked for lack of a mapping.
func (s *Stats) Deferred() {
	s.mu.Lock()
	s.snap.DeferredCount++
	s.mu.Unlock()
	s.deferred.Inc()
}

// Resumed counts parked messages handed back to the scheduler.
func (s *Stats) Resumed(n int) {
	s.mu.Lock()
	s.snap.DeferredCount -= int64(n)
	s.mu.Unlock()
	s.deferred.Sub(float64(n))
}

func (s *Stats) Rejected(network types.Network, reason string) {
	s.mu.Lock()
	s.snap.TotalRejected++
	s.mu.Unlock()
	s.rejected.WithLabelValues(string(network), reason).Inc()
}

// AttemptFailed counts one failed delivery attempt.
func (s *Stats) AttemptFailed(target types.Network) {
	s.mu.Lock()
	s.snap.ErrorCount++
	s.mu.Unlock()
	s.errors.WithLabelValues(string(target)).Inc()
}

// SetConnection records the status of a network and reports whether it changed.
func (s *Stats) SetConnection(network types.Network, status types.ConnectionStatus) bool {
	s.mu.Lock()
	prev := s.snap.Connections[network]
	s.snap.Connections[network] = status
	s.mu.Unlock()

	v := 0.0
	if status == types.Connected {
		v = 1
	}
	s.connected.WithLabelValues(string(network)).Set(v)
	return prev != status
}

func (s *Stats) setHeartbeat(at time.Time, degraded bool) {
	s.mu.Lock()
	s.snap.LastHeartbeat = at
	s.snap.StoreDegraded = degraded
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.Connections = make(map[types.Network]types.ConnectionStatus, len(s.snap.Connections))
	for k, v := range s.snap.Connections {
		out.Connections[k] = v
	}
	return out
}

// BridgeState converts the counters into the persisted health record.
func (s *Stats) BridgeState() *models.BridgeState {
	snap := s.Snapshot()
	return &models.BridgeState{
		ID:                   1,
		NetworkAConnected:    snap.Connections[types.NetworkA] == types.Connected,
		NetworkBConnected:    snap.Connections[types.NetworkB] == types.Connected,
		ErrorCount:           snap.ErrorCount,
		TotalMessagesRelayed: snap.TotalRelayed,
		LastHeartbeat:        snap.LastHeartbeat,
	}
}

// prober is implemented by stores that can recover from a degraded state.
type prober interface {
	Probe(ctx context.Context) bool
	Degraded() bool
}

// Monitor runs the health tick: it polls adapter connectivity, persists
// BridgeState, probes a failover store and alerts on transitions.
type Monitor struct {
	stats     *Stats
	store     database.Store
	platforms func() map[types.Network]types.Platform
	notify    func(ctx context.Context, subject, detail string)
	now       func() time.Time
	log       zerolog.Logger

	storeDegraded bool
}

func newMonitor(stats *Stats, store database.Store, platforms func() map[types.Network]types.Platform,
	notify func(ctx context.Context, subject, detail string), log zerolog.Logger) *Monitor {
	return &Monitor{
		stats:     stats,
		store:     store,
		platforms: platforms,
		notify:    notify,
		now:       time.Now,
		log:       log.With().Str("component", "monitor").Logger(),
	}
}

// Tick performs one health check.
func (m *Monitor) Tick(ctx context.Context) {
	for network, p := range m.platforms() {
		status := p.ConnectionStatus(ctx)
		if m.stats.SetConnection(network, status) {
			m.log.Info().Str("network", string(network)).Str("status", string(status)).Msg("Connection status changed")
			if status == types.Disconnected {
				m.notify(ctx, "Network "+string(network)+" disconnected", "The adapter reports it lost its connection.")
			}
		}
	}

	degraded := false
	if p, ok := m.store.(prober); ok {
		p.Probe(ctx)
		degraded = p.Degraded()
		if degraded != m.storeDegraded {
			if degraded {
				m.notify(ctx, "State store degraded", "Running on the in-memory fallback store.")
			} else {
				m.notify(ctx, "State store recovered", "Back on the durable store. Records written meanwhile were not copied back.")
			}
			m.storeDegraded = degraded
		}
	}

	m.stats.setHeartbeat(m.now().UTC(), degraded)
	if err := m.store.PutBridgeState(ctx, m.stats.BridgeState()); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist bridge state")
	}
}

// Run ticks every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}
