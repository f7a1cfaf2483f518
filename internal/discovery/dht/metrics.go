package dht

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kad"

// metrics DHT 指标
//
// 字段必须导出，Metrics() 通过反射收集。
type metrics struct {
	Lookups            *prometheus.CounterVec
	LookupDuration     *prometheus.HistogramVec
	LookupTerminations *prometheus.CounterVec
	PeerQueries        *prometheus.CounterVec
	FollowUpQueries    prometheus.Counter
	RoutingTableSize   prometheus.Gauge
	InboundRequests    *prometheus.CounterVec
	ValuesEmitted      prometheus.Counter
	ProvidersEmitted   prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "dht"
	return metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "lookups_total",
			Help:      "Number of iterative lookups started, by operation.",
		}, []string{"op"}),
		LookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "lookup_duration_seconds",
			Help:      "Duration of iterative lookups including follow-up, by operation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		LookupTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "lookup_terminations_total",
			Help:      "Number of lookups terminated, by reason.",
		}, []string{"reason"}),
		PeerQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "peer_queries_total",
			Help:      "Number of single-peer queries, by outcome.",
		}, []string{"outcome"}),
		FollowUpQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "follow_up_queries_total",
			Help:      "Number of queries issued during the follow-up phase.",
		}),
		RoutingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "routing_table_size",
			Help:      "Number of peers in the routing table.",
		}),
		InboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "inbound_requests_total",
			Help:      "Number of inbound DHT requests handled, by message type.",
		}, []string{"type"}),
		ValuesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "search_values_emitted_total",
			Help:      "Number of better records emitted by value searches.",
		}),
		ProvidersEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "providers_emitted_total",
			Help:      "Number of distinct providers emitted by provider searches.",
		}),
	}
}

// Metrics 返回全部指标收集器，供调用方注册
func (dht *KadDHT) Metrics() []prometheus.Collector {
	var cs []prometheus.Collector
	v := reflect.Indirect(reflect.ValueOf(dht.metrics))
	for i := 0; i < v.NumField(); i++ {
		if !v.Field(i).CanInterface() {
			continue
		}
		if c, ok := v.Field(i).Interface().(prometheus.Collector); ok {
			cs = append(cs, c)
		}
	}
	return cs
}
