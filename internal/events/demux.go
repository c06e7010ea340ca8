package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dialcore/dialcore/internal/agent"
	"github.com/dialcore/dialcore/internal/queue"
	"github.com/dialcore/dialcore/internal/sink"
	"github.com/dialcore/dialcore/internal/state"
	"github.com/dialcore/dialcore/internal/switchio"
)

// hangup causes that mean "the lead was never actually connected to an
// agent" and so should win the lead back its place in line, rather than
// being treated as a completed contact attempt.
const (
	causeNoAvailableAgent = "NO_AVAILABLE_AGENT"
	causeAgentBusy        = "AGENT_BUSY"
	causeLoseRace         = "LOSE_RACE"
)

// commander is the subset of *switchio.Client's command surface Dispatch
// needs. Narrowed to an interface so tests can drive Dispatch without a
// live switch connection.
type commander interface {
	API(cmd string) (string, error)
}

// eventSource is the subset of *switchio.Client Run needs to pull events.
type eventSource interface {
	Events() <-chan switchio.Event
}

// Demux wires the switch's event stream to agent, queue, and
// persistence-sink transitions.
type Demux struct {
	sw     commander
	src    eventSource
	agents *agent.Machine
	queues *queue.Manager
	store  *state.Store
	sink   *sink.Sink
	log    *slog.Logger
	now    func() time.Time

	// waitingRoomExtension is the dialplan extension a parked call is
	// transferred to when no team agent is free; it plays hold music
	// until the waiting-room loop bridges it.
	waitingRoomExtension string
}

// New returns a Demux wiring the given collaborators.
func New(sw *switchio.Client, agents *agent.Machine, queues *queue.Manager, store *state.Store, sk *sink.Sink, waitingRoomExtension string, log *slog.Logger) *Demux {
	return &Demux{
		sw:                   sw,
		src:                  sw,
		agents:               agents,
		queues:               queues,
		store:                store,
		sink:                 sk,
		log:                  log,
		now:                  time.Now,
		waitingRoomExtension: waitingRoomExtension,
	}
}

// Run consumes the switch's event stream until ctx is cancelled,
// dispatching each in turn. Events are processed in arrival order, one
// at a time: the transition table's race-sensitive branches (answer vs.
// hangup on the same call-uuid) depend on that ordering.
func (d *Demux) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-d.src.Events():
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, raw); err != nil {
				d.log.Error("events: dispatch failed", "event", raw.Name, "error", err)
			}
		}
	}
}

// Dispatch interprets and handles one raw switch event.
func (d *Demux) Dispatch(ctx context.Context, raw switchio.Event) error {
	ev, ok, err := Parse(raw)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	switch ev.Kind {
	case KindAnswer:
		return d.handleAnswer(ctx, ev)
	case KindExecute:
		return d.handleExecute(ctx, ev)
	case KindPark:
		return d.handlePark(ctx, ev)
	case KindHangup:
		return d.handleHangup(ctx, ev)
	default:
		return nil
	}
}

func (d *Demux) handleAnswer(ctx context.Context, ev Event) error {
	if ev.OtherLegUUID != "" {
		return d.updateActiveCall(ev.CallUUID, func(ac *switchio.ActiveCall) {
			connectedAt := d.now().Unix()
			ac.ConnectedAt = &connectedAt
		})
	}
	if ev.Direction != "outbound" {
		return nil
	}
	if ev.AutoBridge {
		// Priority path: the switch already dialed the agent leg via
		// &bridge(). connected_at lands on the other-leg answer above.
		return nil
	}

	if ev.AgentID != nil {
		return d.bridgeOrReject(ev.CallUUID, *ev.AgentID, causeAgentBusy, false)
	}

	agentID, ok := d.agents.NextAvailable(agent.TeamSales)
	if !ok {
		agentID, ok = d.agents.NextAvailable(agent.TeamSecondarySales)
	}
	if !ok {
		d.killCall(ev.CallUUID, causeNoAvailableAgent)
		return nil
	}
	return d.bridgeOrReject(ev.CallUUID, agentID, causeLoseRace, true)
}

// bridgeOrReject bridges agentID onto callUUID if the agent is still
// free for it, or kills the call with rejectCause otherwise (the agent
// was claimed for another call between being chosen and the lead
// answering, via some other path's MarkBusy — it correctly stays out of
// the idle queue, no requeue needed). A pulled agent (popped from its
// idle queue by this call) must be fully idle. A preassigned agent is
// checked on its current call only: the dialer's secondary pass has
// already marked it busy with no call-id, and that call-less busy row is
// exactly the state this answer is expected to find. The
// extension-missing and bridge-failure branches requeue a pulled agent,
// which is still idle but missing from its idle queue because this call
// popped it; a preassigned agent was never popped, so it is left as is.
func (d *Demux) bridgeOrReject(callUUID, agentID, rejectCause string, pulled bool) error {
	if !d.agents.IsIdle(agentID, agent.IsIdleOpts{SkipStatusCheck: !pulled}) {
		d.killCall(callUUID, rejectCause)
		return nil
	}
	ext, ok := d.agents.Extension(agentID)
	if !ok {
		if pulled {
			if err := d.agents.Requeue(agentID); err != nil {
				d.log.Error("events: requeue after missing extension failed", "agent_id", agentID, "error", err)
			}
		}
		d.killCall(callUUID, causeNoAvailableAgent)
		return nil
	}
	if _, err := d.sw.API(switchio.BuildBridge(callUUID, ext)); err != nil {
		d.log.Error("events: uuid_bridge failed", "call_uuid", callUUID, "agent_id", agentID, "error", err)
		if pulled {
			if err := d.agents.Requeue(agentID); err != nil {
				d.log.Error("events: requeue after bridge failure failed", "agent_id", agentID, "error", err)
			}
		}
		d.killCall(callUUID, rejectCause)
		return nil
	}
	if err := d.agents.MarkBusy(agentID, callUUID); err != nil {
		d.log.Error("events: mark-busy after bridge failed", "agent_id", agentID, "error", err)
	}
	return d.updateActiveCall(callUUID, func(ac *switchio.ActiveCall) {
		ac.AgentID = &agentID
		connectedAt := d.now().Unix()
		ac.ConnectedAt = &connectedAt
	})
}

func (d *Demux) handleExecute(ctx context.Context, ev Event) error {
	if ev.Application != "transfer" {
		return nil
	}
	if transferor, ok := d.agents.FindByExtension(ev.TransferorExt); ok {
		if err := d.agents.MarkIdle(transferor.AgentID); err != nil {
			d.log.Error("events: mark-idle on transferor failed", "agent_id", transferor.AgentID, "error", err)
		}
	} else {
		d.log.Warn("events: transfer source extension not found", "extension", ev.TransferorExt)
	}

	if dest, ok := d.agents.FindByExtension(ev.ApplicationData); ok {
		if err := d.agents.MarkBusy(dest.AgentID, ev.CallUUID); err != nil {
			d.log.Error("events: mark-busy on transfer destination failed", "agent_id", dest.AgentID, "error", err)
		}
	} else {
		d.log.Warn("events: transfer destination extension not found", "extension", ev.ApplicationData)
	}
	return nil
}

func (d *Demux) handlePark(ctx context.Context, ev Event) error {
	if ev.Direction != "inbound" {
		return nil
	}

	var team agent.Team
	var waitingKey string
	switch ev.IVRChoice {
	case "1":
		team, waitingKey = agent.TeamSupport, state.SupportCustomersWaitingQueue
	case "2":
		team, waitingKey = agent.TeamSecondarySales, state.SecondarySalesCustomersWaiting
	default:
		d.log.Info("events: unrecognized ivr choice, dropping", "choice", ev.IVRChoice, "call_uuid", ev.CallUUID)
		return nil
	}

	// Every parked inbound call gets an active-call record here, whether
	// it is bridged immediately below or sits in the waiting room first:
	// without one, the reaper has nothing to confirm a bridged agent
	// against and the eventual hangup has nothing to close out.
	if err := d.recordInboundActiveCall(ev.CallUUID); err != nil {
		d.log.Error("events: record inbound active call failed", "call_uuid", ev.CallUUID, "error", err)
	}

	if agentID, ok := d.agents.NextAvailable(team); ok {
		if err := d.agents.MarkBusy(agentID, ev.CallUUID); err != nil {
			d.log.Error("events: mark-busy for parked call failed", "agent_id", agentID, "error", err)
			return nil
		}
		ext, _ := d.agents.Extension(agentID)
		if _, err := d.sw.API(switchio.BuildTransfer(ev.CallUUID, ext)); err != nil {
			d.log.Error("events: uuid_transfer to agent failed", "call_uuid", ev.CallUUID, "error", err)
		}
		if err := d.updateActiveCall(ev.CallUUID, func(ac *switchio.ActiveCall) {
			ac.AgentID = &agentID
			connectedAt := d.now().Unix()
			ac.ConnectedAt = &connectedAt
		}); err != nil {
			d.log.Error("events: update active call for parked bridge failed", "call_uuid", ev.CallUUID, "error", err)
		}
		return nil
	}

	d.store.RPush(waitingKey, ev.CallUUID)
	if _, err := d.sw.API(switchio.BuildTransfer(ev.CallUUID, d.waitingRoomExtension)); err != nil {
		d.log.Error("events: uuid_transfer to waiting room failed", "call_uuid", ev.CallUUID, "error", err)
	}
	return nil
}

// recordInboundActiveCall creates the active-call record for a freshly
// parked inbound call.
func (d *Demux) recordInboundActiveCall(callUUID string) error {
	ac := switchio.ActiveCall{
		CallUUID:    callUUID,
		Direction:   "inbound",
		InitiatedAt: d.now().Unix(),
	}
	raw, err := switchio.MarshalActiveCall(ac)
	if err != nil {
		return err
	}
	d.store.HSet(state.ActiveCalls, callUUID, raw)
	return nil
}

func (d *Demux) handleHangup(ctx context.Context, ev Event) error {
	raw, err := d.store.PopHash(state.ActiveCalls, ev.CallUUID)
	if err != nil {
		d.log.Warn("events: hangup for unknown active call", "call_uuid", ev.CallUUID, "cause", ev.HangupCause)
		return nil
	}
	ac, err := switchio.UnmarshalActiveCall(raw)
	if err != nil {
		return err
	}

	resolvedAgent := ev.AgentID
	if resolvedAgent == nil {
		resolvedAgent = ac.AgentID
	}

	lostRace := ev.HangupCause == causeNoAvailableAgent || ev.HangupCause == causeAgentBusy || ev.HangupCause == causeLoseRace
	if lostRace && len(ac.Payload) > 0 {
		var lead queue.Lead
		if err := json.Unmarshal(ac.Payload, &lead); err != nil {
			d.log.Error("events: unmarshal re-enqueue payload failed", "call_uuid", ev.CallUUID, "error", err)
		} else if resolvedAgent != nil {
			d.queues.PushPriorityFront(*resolvedAgent, lead)
		} else {
			// No agent was ever bound to this call (an acquisition-pass
			// originate, bridged on answer rather than preassigned): put
			// the lead back on the shared acquisition list instead of
			// dropping it.
			d.queues.MergeAcquisition([]queue.Lead{lead})
		}
	}

	if ev.HangupCause == "NORMAL_CLEARING" && resolvedAgent != nil {
		if err := d.agents.MarkIdle(*resolvedAgent); err != nil {
			d.log.Error("events: mark-idle after hangup failed", "agent_id", *resolvedAgent, "error", err)
		}
	}

	cc := sink.CompletedCall{
		CallUUID:        ev.CallUUID,
		AgentID:         resolvedAgent,
		LeadID:          ac.LeadID,
		CampaignID:      ac.CampaignID,
		PhoneNumber:     ac.PhoneNumber,
		Direction:       ac.Direction,
		InitiatedAt:     ac.InitiatedAt,
		ConnectedAt:     ac.ConnectedAt,
		EndedAt:         ev.HangupTime,
		HangupCause:     ev.HangupCause,
		DurationSeconds: ev.DurationSeconds,
	}
	if cc.EndedAt == 0 {
		cc.EndedAt = d.now().Unix()
	}
	if err := d.sink.Push(cc); err != nil {
		d.log.Error("events: push completed call failed", "call_uuid", ev.CallUUID, "error", err)
		return err
	}
	d.sink.ScheduleDrain(ctx)
	return nil
}

func (d *Demux) killCall(callUUID, cause string) {
	if _, err := d.sw.API(switchio.BuildKill(callUUID, cause)); err != nil {
		d.log.Error("events: uuid_kill failed", "call_uuid", callUUID, "cause", cause, "error", err)
	}
}

func (d *Demux) updateActiveCall(callUUID string, mutate func(*switchio.ActiveCall)) error {
	return d.store.WithLock(state.ActiveCallLockKey(callUUID), func() error {
		raw, err := d.store.HGet(state.ActiveCalls, callUUID)
		if err != nil {
			return err
		}
		ac, err := switchio.UnmarshalActiveCall(raw)
		if err != nil {
			return err
		}
		mutate(&ac)
		out, err := switchio.MarshalActiveCall(ac)
		if err != nil {
			return err
		}
		d.store.HSet(state.ActiveCalls, callUUID, out)
		return nil
	})
}
