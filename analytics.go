package sandwich

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventMetrics tracks event-related metrics
var EventMetrics = struct {
	EventsTotal         *prometheus.CounterVec
	DispatchEventsTotal *prometheus.CounterVec
	GatewayLatency      *prometheus.GaugeVec
}{
	EventsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_events_total",
			Help: "Total number of gateway payloads received, split by identifier and opcode",
		},
		[]string{"identifier", "op"},
	),
	DispatchEventsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_dispatch_events_by_type_total",
			Help: "Total number of dispatch events forwarded, split by identifier and event type",
		},
		[]string{"identifier", "event_type"},
	),
	GatewayLatency: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandwich_discord_gateway_latency",
			Help: "Gateway latency in seconds, measured by heartbeat",
		},
		[]string{"identifier", "shard_id"},
	),
}

func RecordEvent(identifier, op string) {
	EventMetrics.EventsTotal.WithLabelValues(identifier, op).Inc()
}

func RecordDispatch(identifier, eventType string) {
	EventMetrics.DispatchEventsTotal.WithLabelValues(identifier, eventType).Inc()
}

func UpdateGatewayLatency(identifier string, shardID int32, latency float64) {
	EventMetrics.GatewayLatency.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(latency)
}

// ShardMetrics tracks shard-related metrics
var ShardMetrics = struct {
	ManagerStatus   *prometheus.GaugeVec
	ShardStatus     *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec
	Identifies      *prometheus.CounterVec
	ShardFatalTotal *prometheus.CounterVec
}{
	ManagerStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandwich_manager_status",
			Help: "Status of the shard manager",
		},
		[]string{"identifier"},
	),
	ShardStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandwich_shard_status",
			Help: "Status of the shard",
		},
		[]string{"identifier", "shard_id"},
	),
	Reconnects: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_shard_reconnects_total",
			Help: "Total number of shard reconnects, split by the action taken",
		},
		[]string{"identifier", "action"},
	),
	Identifies: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_identifies_total",
			Help: "Total number of identify payloads sent",
		},
		[]string{"identifier"},
	),
	ShardFatalTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_shard_fatal_total",
			Help: "Total number of shard terminations reported to the manager",
		},
		[]string{"identifier"},
	),
}

func UpdateManagerStatus(identifier string, status ManagerStatus) {
	ShardMetrics.ManagerStatus.WithLabelValues(identifier).Set(float64(status))
}

func UpdateShardStatus(identifier string, shardID int32, status ShardStatus) {
	ShardMetrics.ShardStatus.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(float64(status))
}

func RecordReconnect(identifier string, action CloseAction) {
	ShardMetrics.Reconnects.WithLabelValues(identifier, action.String()).Inc()
}

func RecordIdentify(identifier string) {
	ShardMetrics.Identifies.WithLabelValues(identifier).Inc()
}

func RecordShardFatal(identifier string) {
	ShardMetrics.ShardFatalTotal.WithLabelValues(identifier).Inc()
}

const (
	ProducerFailurePublish   = "publish"
	ProducerFailureQueueFull = "queue_full"
)

// ProducerMetrics tracks payloads that never reached the broker
var ProducerMetrics = struct {
	Failures *prometheus.CounterVec
}{
	Failures: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_producer_failures_total",
			Help: "Total number of payloads that failed to publish, split by reason",
		},
		[]string{"identifier", "reason"},
	),
}

func RecordProducerFailure(identifier, reason string) {
	ProducerMetrics.Failures.WithLabelValues(identifier, reason).Inc()
}
