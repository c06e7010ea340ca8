package dialer

import (
	"github.com/dialcore/dialcore/internal/state"
)

// runReaper scans agent state for two stuck-busy conditions and
// force-marks each one idle. It never aborts the tick:
// individual MarkIdle failures are logged and skipped.
func (c *Cycle) runReaper() int {
	reaped := 0

	for _, s := range c.agents.StaleBusyAgents(c.now(), c.orphanTimeout) {
		if err := c.agents.MarkIdle(s.AgentID); err != nil {
			c.log.Error("dialer: reaper mark-idle failed", "agent_id", s.AgentID, "error", err)
			continue
		}
		reaped++
	}

	active := c.store.HGetAll(state.ActiveCalls)
	for _, s := range c.agents.BusyAgentsWithCall() {
		if _, ok := active[*s.CurrentCallID]; ok {
			continue
		}
		if err := c.agents.MarkIdle(s.AgentID); err != nil {
			c.log.Error("dialer: reaper mark-idle failed", "agent_id", s.AgentID, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		c.log.Info("dialer: reaper reclaimed stuck agents", "count", reaped)
	}
	return reaped
}
