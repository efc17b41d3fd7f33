package stats

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(
		promAnnouncesTotal,
		promScrapesTotal,
		promConnectionsTotal,
		promDroppedTotal,
	)
}

var (
	promAnnouncesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chihaya_tracker_announces_total",
		Help: "The number of announces handled, by IP family",
	}, []string{"family"})

	promScrapesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chihaya_tracker_scrapes_total",
		Help: "The number of scrapes handled, by IP family",
	}, []string{"family"})

	promConnectionsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chihaya_tracker_udp_connections_total",
		Help: "The number of UDP connection handshakes handled, by IP family",
	}, []string{"family"})

	promDroppedTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chihaya_tracker_dropped_total",
		Help: "The number of silently dropped capacity failures, by reason",
	}, []string{"reason"})
)

// ReportToPrometheus pushes the current snapshot into the package's
// Prometheus collectors. The scheduler's console heartbeat sub-task calls
// it on every tick.
func (s *Stats) ReportToPrometheus() {
	snap := s.Snapshot()
	promAnnouncesTotal.WithLabelValues("ipv4").Set(float64(snap.AnnouncesIPv4))
	promAnnouncesTotal.WithLabelValues("ipv6").Set(float64(snap.AnnouncesIPv6))
	promScrapesTotal.WithLabelValues("ipv4").Set(float64(snap.ScrapesIPv4))
	promScrapesTotal.WithLabelValues("ipv6").Set(float64(snap.ScrapesIPv6))
	promConnectionsTotal.WithLabelValues("ipv4").Set(float64(snap.ConnectionsIPv4))
	promConnectionsTotal.WithLabelValues("ipv6").Set(float64(snap.ConnectionsIPv6))
	promDroppedTotal.WithLabelValues("packet").Set(float64(snap.PacketsDropped))
	promDroppedTotal.WithLabelValues("queue_full").Set(float64(snap.QueueFull))
}
