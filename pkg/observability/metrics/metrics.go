package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	EventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "container",
		Name:      "events_applied_total",
		Help:      "Total events applied by the dispatcher, by kind",
	}, []string{"kind"})

	ProtocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "container",
		Name:      "protocol_violations_total",
		Help:      "Total fatal protocol violations observed by the dispatcher",
	})

	DispatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aeron",
		Subsystem: "container",
		Name:      "dispatch_seconds",
		Help:      "Wall time spent applying one event including callbacks",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
	})

	SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Subsystem: "container",
		Name:      "sessions_open",
		Help:      "Current number of live client sessions",
	})

	TimersPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Subsystem: "container",
		Name:      "timers_pending",
		Help:      "Current number of pending timers",
	})

	Role = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Name:      "role",
		Help:      "Consensus role of this node (0 follower, 1 candidate, 2 leader)",
	})

	Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "snapshot",
		Name:      "captures_total",
		Help:      "Total snapshot capture attempts, by result",
	}, []string{"result"})

	SnapshotBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Subsystem: "snapshot",
		Name:      "last_bytes",
		Help:      "Size in bytes of the last captured checkpoint",
	})

	SessionReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "gateway",
		Name:      "replies_total",
		Help:      "Total outbound session replies, by result",
	}, []string{"result"})

	GatewaySessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Current number of websocket client connections",
	})

	ProposeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "engine",
		Name:      "propose_failures_total",
		Help:      "Total failed event proposals, by kind",
	}, []string{"kind"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "grpc",
		Name:      "conn_dials_total",
		Help:      "Total new gRPC client connections dialed",
	})

	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "grpc",
		Name:      "conn_reuse_total",
		Help:      "Total gRPC client connection reuses from the pool",
	})

	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "grpc",
		Name:      "conn_evictions_total",
		Help:      "Total idle gRPC client connections evicted",
	})

	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Subsystem: "grpc",
		Name:      "conn_active",
		Help:      "Current pooled gRPC client connections",
	})

	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Subsystem: "node",
		Name:      "members",
		Help:      "Current membership view size",
	})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeron",
		Subsystem: "node",
		Name:      "is_leader",
		Help:      "1 when this node is the consensus leader",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "node",
		Name:      "leader_changes_total",
		Help:      "Total observed leadership changes",
	})

	JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeron",
		Subsystem: "node",
		Name:      "join_requests_total",
		Help:      "Total join requests handled, by outcome",
	}, []string{"outcome"})
)

// Register registers collectors into the default registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(EventsApplied)
		prometheus.MustRegister(ProtocolViolations)
		prometheus.MustRegister(DispatchSeconds)
		prometheus.MustRegister(SessionsOpen)
		prometheus.MustRegister(TimersPending)
		prometheus.MustRegister(Role)
		prometheus.MustRegister(Snapshots)
		prometheus.MustRegister(SnapshotBytes)
		prometheus.MustRegister(SessionReplies)
		prometheus.MustRegister(GatewaySessions)
		prometheus.MustRegister(ProposeFailures)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
		prometheus.MustRegister(ClusterMembers)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(JoinRequests)
	})
}
