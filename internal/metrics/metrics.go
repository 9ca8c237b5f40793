// Package metrics exposes the queue engine to Prometheus. The collector
// reads engine snapshots at scrape time instead of keeping its own
// counters, so the engine stays the single source of truth.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/flowqueue/internal/queue"
)

// SnapshotProvider is the read surface the collector scrapes.
type SnapshotProvider interface {
	Snapshots() []*queue.Snapshot
}

// Collector is a prometheus.Collector that gathers flowqueue metrics at
// scrape time.
type Collector struct {
	engine    SnapshotProvider
	startTime time.Time

	// Metric descriptors.
	waitingDesc       *prometheus.Desc
	availableDesc     *prometheus.Desc
	holdtimeDesc      *prometheus.Desc
	talktimeDesc      *prometheus.Desc
	completedDesc     *prometheus.Desc
	completedInSLDesc *prometheus.Desc
	abandonedDesc     *prometheus.Desc
	membersDesc       *prometheus.Desc
	memberCallsDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(engine SnapshotProvider, startTime time.Time) *Collector {
	return &Collector{
		engine:    engine,
		startTime: startTime,

		waitingDesc: prometheus.NewDesc(
			"flowqueue_callers_waiting",
			"Number of callers currently waiting in the queue",
			[]string{"queue"}, nil,
		),
		availableDesc: prometheus.NewDesc(
			"flowqueue_members_available",
			"Number of members able to take a call right now",
			[]string{"queue"}, nil,
		),
		holdtimeDesc: prometheus.NewDesc(
			"flowqueue_holdtime_seconds",
			"Exponential moving average of caller hold time",
			[]string{"queue"}, nil,
		),
		talktimeDesc: prometheus.NewDesc(
			"flowqueue_talktime_seconds",
			"Exponential moving average of call talk time",
			[]string{"queue"}, nil,
		),
		completedDesc: prometheus.NewDesc(
			"flowqueue_calls_completed_total",
			"Calls bridged to a member and completed",
			[]string{"queue"}, nil,
		),
		completedInSLDesc: prometheus.NewDesc(
			"flowqueue_calls_completed_in_sl_total",
			"Completed calls answered within the service level",
			[]string{"queue"}, nil,
		),
		abandonedDesc: prometheus.NewDesc(
			"flowqueue_calls_abandoned_total",
			"Callers that hung up while waiting",
			[]string{"queue"}, nil,
		),
		membersDesc: prometheus.NewDesc(
			"flowqueue_members",
			"Queue membership by status and paused flag",
			[]string{"queue", "status", "paused"}, nil,
		),
		memberCallsDesc: prometheus.NewDesc(
			"flowqueue_member_calls_total",
			"Completed calls per member",
			[]string{"queue", "interface"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowqueue_uptime_seconds",
			"Seconds since the flowqueue process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.waitingDesc
	ch <- c.availableDesc
	ch <- c.holdtimeDesc
	ch <- c.talktimeDesc
	ch <- c.completedDesc
	ch <- c.completedInSLDesc
	ch <- c.abandonedDesc
	ch <- c.membersDesc
	ch <- c.memberCallsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It snapshots every queue at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.engine.Snapshots() {
		ch <- prometheus.MustNewConstMetric(
			c.waitingDesc, prometheus.GaugeValue, float64(s.Count), s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.availableDesc, prometheus.GaugeValue, float64(s.Available), s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.holdtimeDesc, prometheus.GaugeValue, float64(s.Holdtime), s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.talktimeDesc, prometheus.GaugeValue, float64(s.Talktime), s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.completedDesc, prometheus.CounterValue, float64(s.Completed), s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.completedInSLDesc, prometheus.CounterValue, float64(s.CompletedInSL), s.Name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.abandonedDesc, prometheus.CounterValue, float64(s.Abandoned), s.Name,
		)

		// Membership grouped by effective status and paused flag.
		type group struct{ status, paused string }
		groups := make(map[group]int)
		for _, m := range s.Members {
			paused := "false"
			if m.Paused {
				paused = "true"
			}
			groups[group{m.Status, paused}]++
			ch <- prometheus.MustNewConstMetric(
				c.memberCallsDesc, prometheus.CounterValue,
				float64(m.Calls), s.Name, m.Interface,
			)
		}
		for g, n := range groups {
			ch <- prometheus.MustNewConstMetric(
				c.membersDesc, prometheus.GaugeValue,
				float64(n), s.Name, g.status, g.paused,
			)
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
