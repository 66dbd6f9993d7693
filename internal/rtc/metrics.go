package rtc

import "time"

// Quality is a coarse rating of the current connection.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

const (
	excellentConnectLatency = 2 * time.Second
	warningConnectLatency   = 5 * time.Second
	criticalConnectLatency  = 10 * time.Second
	warningReconnects       = 1
	criticalReconnects      = 3
)

// ConnectionMetrics is a snapshot; the Manager never shares its own copy.
type ConnectionMetrics struct {
	LastLatency       time.Duration
	LastConnectedAt   time.Time
	ReconnectAttempts int
	Quality           Quality
}

// classify rates a connection by how long it took to establish and how
// often the transport has had to recover since.
func classify(latency time.Duration, reconnects int) Quality {
	var q Quality
	switch {
	case latency <= excellentConnectLatency:
		q = QualityExcellent
	case latency <= warningConnectLatency:
		q = QualityGood
	case latency <= criticalConnectLatency:
		q = QualityFair
	default:
		q = QualityPoor
	}

	switch {
	case reconnects >= criticalReconnects:
		return QualityPoor
	case reconnects >= warningReconnects && q == QualityExcellent:
		return QualityGood
	}
	return q
}
