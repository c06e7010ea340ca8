// Package dialer drives the predictive dialer cycle: the periodic tick
// that computes agent capacity, drains the priority/secondary/acquisition
// lead queues with their distinct overdial policies, triggers queue
// refills, and runs the orphan reaper at the top of every tick.
package dialer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dialcore/dialcore/internal/agent"
	"github.com/dialcore/dialcore/internal/config"
	"github.com/dialcore/dialcore/internal/leadstore"
	"github.com/dialcore/dialcore/internal/queue"
	"github.com/dialcore/dialcore/internal/state"
	"github.com/dialcore/dialcore/internal/switchio"
)

// commander is the subset of *switchio.Client's command surface the
// dialer cycle needs. Narrowed so tests can drive a tick without a live
// switch connection, mirroring internal/events' same-shaped interface.
type commander interface {
	API(cmd string) (string, error)
	BGAPI(cmd string, originationUUID string) (string, bool)
}

// Cycle holds everything one dialer tick needs: the switch command
// channel, the agent and queue managers, the shared state store, and the
// lead-store gateway the asynchronous refill reads from.
type Cycle struct {
	sw     commander
	agents *agent.Machine
	queues *queue.Manager
	store  *state.Store
	gw     leadstore.Gateway
	log    *slog.Logger
	now    func() time.Time

	dialMultiplier   int
	refillThreshold  int
	orphanTimeout    time.Duration
	lockTTL          time.Duration
	originateTimeout int
	devMode          bool
}

// New returns a Cycle configured from cfg.
func New(sw *switchio.Client, agents *agent.Machine, queues *queue.Manager, store *state.Store, gw leadstore.Gateway, cfg *config.Config, log *slog.Logger) *Cycle {
	return &Cycle{
		sw:     sw,
		agents: agents,
		queues: queues,
		store:  store,
		gw:     gw,
		log:    log,
		now:    time.Now,

		dialMultiplier:   cfg.DialMultiplier(),
		refillThreshold:  cfg.QueueRefillThresh,
		orphanTimeout:    time.Duration(cfg.OrphanTimeoutSecs) * time.Second,
		lockTTL:          time.Duration(cfg.DialerLockTTLSecs) * time.Second,
		originateTimeout: cfg.OriginateTimeout,
		devMode:          cfg.DevMode,
	}
}

// RunForever ticks every interval until ctx is cancelled, matching the
// ticker/ctx.Done shape this codebase's other long-lived loops already
// use for their periodic triggers.
func (c *Cycle) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.log.Error("dialer: tick failed", "error", err)
			}
		}
	}
}

// Tick runs one dialer cycle: acquire the execution lock, reap orphans,
// and drain the three queues in priority → secondary → acquisition
// order, ending with a refill check. It returns nil (not an error) when
// another worker holds the execution lock or there is no idle capacity —
// both are expected steady-state outcomes, not failures.
func (c *Cycle) Tick(ctx context.Context) error {
	if !c.store.SetNX(state.DialerExecutionLock, c.lockTTL) {
		return nil
	}
	defer c.store.Delete(state.DialerExecutionLock)

	c.runReaper()

	if len(c.agents.IdleAgents()) == 0 {
		return nil
	}

	c.priorityPass()
	c.secondaryPass()
	c.acquisitionPass()
	c.maybeRefill()
	return nil
}

// priorityPass originates at most one auto-bridged call per idle agent
// carrying a non-empty priority bucket.
func (c *Cycle) priorityPass() {
	for _, agentID := range c.queues.PriorityAgentIDs() {
		if !c.agents.IsIdle(agentID) {
			continue
		}
		lead, ok := c.queues.PopPriority(agentID)
		if !ok {
			continue
		}
		if lead.PhoneNumber == "" {
			c.log.Warn("dialer: priority lead missing phone number, dropping", "lead_id", lead.LeadID, "agent_id", agentID)
			continue
		}

		callUUID, ok := c.originate(lead, &agentID, true)
		if !ok {
			c.log.Warn("dialer: priority originate failed, re-queued at head", "lead_id", lead.LeadID, "agent_id", agentID)
			c.queues.PushPriorityFront(agentID, lead)
			continue
		}
		c.recordActiveCall(callUUID, &agentID, lead, true)
	}
}

// secondaryPass originates up to the dial multiplier's worth of parked,
// non-bridged calls per idle agent carrying a non-empty secondary
// bucket. The agent is marked busy (no call-id yet) once,
// on the first successful originate in the loop, so later iterations for
// the same agent this tick don't re-mark or double-book.
func (c *Cycle) secondaryPass() {
	for _, agentID := range c.queues.SecondaryAgentIDs() {
		if agentID == queue.AcquisitionAgentID {
			continue
		}
		if !c.agents.IsIdle(agentID) {
			continue
		}

		markedBusy := false
		for i := 0; i < c.dialMultiplier; i++ {
			lead, ok := c.queues.PopSecondary(agentID)
			if !ok {
				break
			}
			if lead.PhoneNumber == "" {
				c.log.Warn("dialer: secondary lead missing phone number, dropping", "lead_id", lead.LeadID, "agent_id", agentID)
				continue
			}

			callUUID, ok := c.originate(lead, &agentID, false)
			if !ok {
				c.log.Warn("dialer: secondary originate failed, re-queued at head", "lead_id", lead.LeadID, "agent_id", agentID)
				c.queues.PushSecondaryFront(agentID, lead)
				break
			}
			c.recordActiveCall(callUUID, &agentID, lead, false)

			if !markedBusy {
				if err := c.agents.MarkBusy(agentID, ""); err != nil {
					c.log.Error("dialer: mark-busy after secondary originate failed", "agent_id", agentID, "error", err)
				}
				markedBusy = true
			}
		}
	}
}

// acquisitionPass originates up to the dial multiplier's worth of parked
// calls per idle, acquisition-enabled agent from the shared acquisition
// list. No agent-id is attached to the call; bridging is
// decided on answer.
func (c *Cycle) acquisitionPass() {
	for _, agentID := range c.queues.AcquisitionEnabledAgents() {
		if !c.agents.IsIdle(agentID) {
			continue
		}

		markedBusy := false
		for i := 0; i < c.dialMultiplier; i++ {
			lead, ok := c.queues.PopAcquisition()
			if !ok {
				break
			}
			if lead.PhoneNumber == "" {
				c.log.Warn("dialer: acquisition lead missing phone number, dropping", "lead_id", lead.LeadID)
				continue
			}

			callUUID, ok := c.originate(lead, nil, false)
			if !ok {
				c.log.Warn("dialer: acquisition originate failed, re-queued", "lead_id", lead.LeadID)
				c.queues.MergeAcquisition([]queue.Lead{lead})
				break
			}
			c.recordActiveCall(callUUID, nil, lead, false)

			if !markedBusy {
				if err := c.agents.MarkBusy(agentID, ""); err != nil {
					c.log.Error("dialer: mark-busy after acquisition originate failed", "agent_id", agentID, "error", err)
				}
				markedBusy = true
			}
		}
	}
}

// maybeRefill triggers one asynchronous refill pass if any agent's
// secondary bucket has fallen below the configured threshold. The
// refill runs on a detached context so a tick boundary doesn't
// cancel an in-flight refill.
func (c *Cycle) maybeRefill() {
	if len(c.queues.SecondaryAgentsBelow(c.refillThreshold)) == 0 {
		return
	}
	go func() {
		if err := queue.Refill(context.Background(), c.gw, c.queues, c.now(), c.log); err != nil {
			c.log.Error("dialer: async refill failed", "error", err)
		}
	}()
}

// originate issues an originate command for lead, optionally preassigned
// to agentID, and returns the resulting call-uuid. autoBridge requests an
// immediate &bridge(user/<ext>) instead of &park; the caller must supply
// agentID whenever autoBridge is true (the originate payload requires
// AgentExtension in that case).
func (c *Cycle) originate(lead queue.Lead, agentID *string, autoBridge bool) (string, bool) {
	callUUID := uuid.NewString()

	params := switchio.OriginateParams{
		CallID:           callUUID,
		AgentID:          agentID,
		AutoBridge:       autoBridge,
		LeadID:           lead.LeadID,
		PhoneNumber:      lead.PhoneNumber,
		CustomerName:     lead.CustomerName,
		CustomerSegment:  lead.CustomerSegment,
		MonthGMV:         lead.MonthGMV,
		OverallGMV:       lead.OverallGMV,
		DestinationE164:  lead.PhoneNumber,
		DevMode:          c.devMode,
		DevExtension:     lead.PhoneNumber,
		OriginateTimeout: c.originateTimeout,
	}
	if autoBridge && agentID != nil {
		ext, ok := c.agents.Extension(*agentID)
		if !ok {
			c.log.Error("dialer: no extension on record for preassigned agent", "agent_id", *agentID)
			return "", false
		}
		params.AgentExtension = ext
	}

	cmd := switchio.BuildOriginate(params)
	return c.sw.BGAPI(cmd, callUUID)
}

// recordActiveCall stores the active-call record for a freshly originated
// call, stamping the lead snapshot into Payload so a losing-race hangup
// can re-enqueue it (see switchio.ActiveCall.Payload).
func (c *Cycle) recordActiveCall(callUUID string, agentID *string, lead queue.Lead, autoBridge bool) {
	payload, err := json.Marshal(lead)
	if err != nil {
		c.log.Error("dialer: marshal lead payload failed", "call_uuid", callUUID, "lead_id", lead.LeadID, "error", err)
		payload = nil
	}

	campaignID := lead.CampaignID
	leadID := lead.LeadID
	ac := switchio.ActiveCall{
		CallUUID:    callUUID,
		AgentID:     agentID,
		CampaignID:  &campaignID,
		PhoneNumber: lead.PhoneNumber,
		LeadID:      &leadID,
		Direction:   "outbound",
		AutoBridge:  autoBridge,
		InitiatedAt: c.now().Unix(),
		Payload:     payload,
	}

	raw, err := switchio.MarshalActiveCall(ac)
	if err != nil {
		c.log.Error("dialer: marshal active call failed", "call_uuid", callUUID, "error", err)
		return
	}
	c.store.HSet(state.ActiveCalls, callUUID, raw)
}
