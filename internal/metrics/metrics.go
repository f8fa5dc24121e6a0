// Package metrics defines the prometheus collectors of the replication core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for autowiki metrics.
const (
	RecordsAppendedTotalKey = "autowiki_records_appended_total"
	SyncMessagesTotalKey    = "autowiki_sync_messages_total"
	SessionsActiveKey       = "autowiki_sessions_active"
	AuthFailuresTotalKey    = "autowiki_auth_failures_total"
	CompactionsTotalKey     = "autowiki_compactions_total"
	LogTruncationsTotalKey  = "autowiki_log_truncations_total"

	// Label values.
	Inbound  = "inbound"
	Outbound = "outbound"
	Delta    = "delta"
	Marker   = "marker"
	Fail     = "fail"
	Ok       = "ok"
	Skipped  = "skipped"
)

// Collectors for autowiki metrics.
var (
	RecordsAppendedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: RecordsAppendedTotalKey,
		Help: "Cumulative number of change record appends, by outcome.",
	}, []string{"outcome"})
	SyncMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SyncMessagesTotalKey,
		Help: "Cumulative number of sync protocol messages.",
	}, []string{"direction", "kind"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: SessionsActiveKey,
		Help: "Number of open sync sessions.",
	})
	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: AuthFailuresTotalKey,
		Help: "Cumulative number of rejected peer connections.",
	})
	CompactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CompactionsTotalKey,
		Help: "Cumulative number of compaction runs, by outcome.",
	}, []string{"outcome"})
	LogTruncationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: LogTruncationsTotalKey,
		Help: "Cumulative number of torn log tails truncated during replay.",
	})
)

// Collectors lists every autowiki collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RecordsAppendedTotal,
		SyncMessagesTotal,
		SessionsActive,
		AuthFailuresTotal,
		CompactionsTotal,
		LogTruncationsTotal,
	}
}

// Register registers every collector with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
