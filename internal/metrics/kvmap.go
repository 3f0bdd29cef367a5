package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Map-operation metrics. These observe the FSM boundary, never the core
// itself: kvmap.Machine has no dependency on this package, keeping the
// deterministic core free of observability side effects.
var (
	ApplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvmap_apply_latency_ns",
		Help:    "Latencia de aplicar un comando contra el core, en nanosegundos",
		Buckets: prometheus.ExponentialBuckets(1000, 2, 16),
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvmap_commands_total",
		Help: "Comandos aplicados, por tipo de operación",
	}, []string{"op"})

	TransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvmap_transactions_total",
		Help: "Transacciones por resultado final",
	}, []string{"result"})

	TTLExpirationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvmap_ttl_expirations_total",
		Help: "Entradas expiradas por drenado de TTL",
	})

	ListenerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvmap_listener_queue_depth",
		Help: "Eventos en cola al momento de la última publicación",
	})

	SnapshotBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvmap_snapshot_bytes",
		Help:    "Tamaño de los snapshots producidos, en bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvmap_snapshot_duration_ms",
		Help:    "Duración de persistir un snapshot (cifrado opcional y escritura), en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// RegisterKVMap registers the map-operation metrics on the given registry
// (or the default if nil), tolerating double-registration the same way
// RegisterRaft does.
func RegisterKVMap(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		ApplyLatency, CommandsTotal, TransactionsTotal,
		TTLExpirationsTotal, ListenerQueueDepth, SnapshotBytes, SnapshotDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// ObserveApply records the wall-clock cost of one FSM.Apply call. This is
// purely a local observability measurement; it never feeds back into
// replicated state.
func ObserveApply(deltaNanos int64) {
	if deltaNanos < 0 {
		deltaNanos = 0
	}
	ApplyLatency.Observe(float64(deltaNanos))
}

// NowUnixNano is the wall-clock source the FSM uses for its apply and
// snapshot timings, isolated here so the deterministic kvmap core and the
// FSM's decode/apply path never call time.Now themselves.
func NowUnixNano() int64 { return time.Now().UnixNano() }
