// Package metrics exposes the dialer core's runtime state as Prometheus
// gauges, gathered fresh at scrape time rather than
// incrementally maintained, the same pull-based shape this codebase's
// lineage already uses for its own collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AgentCountsProvider reports idle/busy agent counts per team.
type AgentCountsProvider interface {
	IdleCount(team string) int
	BusyCount(team string) int
}

// QueueDepthProvider reports the current depth of each lead queue.
type QueueDepthProvider interface {
	PriorityDepth() int
	SecondaryDepth() int
	AcquisitionDepth() int
}

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	GetActiveCallCount() int
}

// WaitingRoomProvider reports how many callers are parked per team.
type WaitingRoomProvider interface {
	WaitingCount(team string) int
}

// teams is the fixed label set for per-team gauges, matching
// agent.Team's three values.
var teams = []string{"sales", "secondary_sales", "support"}

// Collector is a prometheus.Collector that gathers dialer core metrics
// at scrape time. Any provider may be nil if that subsystem isn't wired
// into the running process (e.g. a reduced deployment without
// waiting-room support).
type Collector struct {
	agents      AgentCountsProvider
	queues      QueueDepthProvider
	activeCalls ActiveCallsProvider
	waiting     WaitingRoomProvider
	startTime   time.Time

	idleAgentsDesc     *prometheus.Desc
	busyAgentsDesc     *prometheus.Desc
	priorityDepthDesc  *prometheus.Desc
	secondaryDepthDesc *prometheus.Desc
	acquisitionDesc    *prometheus.Desc
	activeCallsDesc    *prometheus.Desc
	waitingDesc        *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil
// if unavailable.
func NewCollector(
	agents AgentCountsProvider,
	queues QueueDepthProvider,
	activeCalls ActiveCallsProvider,
	waiting WaitingRoomProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		agents:      agents,
		queues:      queues,
		activeCalls: activeCalls,
		waiting:     waiting,
		startTime:   startTime,

		idleAgentsDesc: prometheus.NewDesc(
			"dialcore_idle_agents",
			"Number of agents currently idle, by team",
			[]string{"team"}, nil,
		),
		busyAgentsDesc: prometheus.NewDesc(
			"dialcore_busy_agents",
			"Number of agents currently busy, by team",
			[]string{"team"}, nil,
		),
		priorityDepthDesc: prometheus.NewDesc(
			"dialcore_priority_queue_depth",
			"Total leads across every agent's priority queue",
			nil, nil,
		),
		secondaryDepthDesc: prometheus.NewDesc(
			"dialcore_secondary_queue_depth",
			"Total leads across every agent's secondary queue",
			nil, nil,
		),
		acquisitionDesc: prometheus.NewDesc(
			"dialcore_acquisition_queue_depth",
			"Leads waiting in the shared acquisition queue",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"dialcore_active_calls",
			"Number of currently active (originated, not yet ended) calls",
			nil, nil,
		),
		waitingDesc: prometheus.NewDesc(
			"dialcore_waiting_room_depth",
			"Inbound callers parked waiting for an agent, by team",
			[]string{"team"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialcore_uptime_seconds",
			"Seconds since the dialer core process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idleAgentsDesc
	ch <- c.busyAgentsDesc
	ch <- c.priorityDepthDesc
	ch <- c.secondaryDepthDesc
	ch <- c.acquisitionDesc
	ch <- c.activeCallsDesc
	ch <- c.waitingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.agents != nil {
		for _, team := range teams {
			ch <- prometheus.MustNewConstMetric(
				c.idleAgentsDesc, prometheus.GaugeValue,
				float64(c.agents.IdleCount(team)), team,
			)
			ch <- prometheus.MustNewConstMetric(
				c.busyAgentsDesc, prometheus.GaugeValue,
				float64(c.agents.BusyCount(team)), team,
			)
		}
	}

	if c.queues != nil {
		ch <- prometheus.MustNewConstMetric(
			c.priorityDepthDesc, prometheus.GaugeValue,
			float64(c.queues.PriorityDepth()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.secondaryDepthDesc, prometheus.GaugeValue,
			float64(c.queues.SecondaryDepth()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.acquisitionDesc, prometheus.GaugeValue,
			float64(c.queues.AcquisitionDepth()),
		)
	}

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.GetActiveCallCount()),
		)
	}

	if c.waiting != nil {
		for _, team := range teams {
			ch <- prometheus.MustNewConstMetric(
				c.waitingDesc, prometheus.GaugeValue,
				float64(c.waiting.WaitingCount(team)), team,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
