// Package waitingroom runs the continuous loop that bridges parked,
// waiting inbound callers to an agent as soon as one frees up. It is the
// drain side of the IVR park handling in internal/events: a call that
// found no free agent at park time sits in a team's waiting list until
// this loop notices capacity.
package waitingroom

import (
	"context"
	"log/slog"
	"time"

	"github.com/dialcore/dialcore/internal/agent"
	"github.com/dialcore/dialcore/internal/state"
	"github.com/dialcore/dialcore/internal/switchio"
)

// pollInterval is the sleep between iterations when nothing went wrong.
const pollInterval = 2 * time.Second

// errorBackoff is the sleep after an iteration that hit an error.
const errorBackoff = 3 * time.Second

// commander is the subset of *switchio.Client's command surface Run
// needs. Narrowed for the same testability reason as the dialer cycle's
// and event demultiplexer's identically-shaped interfaces.
type commander interface {
	API(cmd string) (string, error)
}

// team pairs one waiting-room queue with the agent team that drains it.
type team struct {
	name       agent.Team
	waitingKey string
}

// Loop bridges waiting calls to idle agents for the support and
// secondary-sales teams.
type Loop struct {
	sw     commander
	agents *agent.Machine
	store  *state.Store
	log    *slog.Logger

	teams []team
}

// New returns a Loop wiring the given collaborators.
func New(sw *switchio.Client, agents *agent.Machine, store *state.Store, log *slog.Logger) *Loop {
	return &Loop{
		sw:     sw,
		agents: agents,
		store:  store,
		log:    log,
		teams: []team{
			{name: agent.TeamSupport, waitingKey: state.SupportCustomersWaitingQueue},
			{name: agent.TeamSecondarySales, waitingKey: state.SecondarySalesCustomersWaiting},
		},
	}
}

// Run executes the loop until ctx is cancelled: each iteration checks
// every team's waiting queue once, sleeping pollInterval between clean
// iterations and errorBackoff after one that logged an error.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		sleep := pollInterval
		if err := l.tick(); err != nil {
			l.log.Error("waitingroom: tick failed", "error", err)
			sleep = errorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// tick checks every team's waiting queue once. It never returns early on
// one team's failure — both are attempted every iteration — but does
// return the last error seen so Run can apply the error backoff.
func (l *Loop) tick() error {
	var lastErr error
	for _, tm := range l.teams {
		if err := l.drainOne(tm); err != nil {
			l.log.Error("waitingroom: drain failed", "team", tm.name, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// drainOne peeks tm's waiting queue; if a call is waiting and an agent of
// tm's team is idle, it marks the agent busy with that call-uuid,
// bridges them onto the parked call, and dequeues the customer. Peek
// happens before the idle check: a waiting call is only dequeued once
// an agent is actually claimed for it, so a momentary lack of capacity
// leaves it at the head for the next iteration.
func (l *Loop) drainOne(tm team) error {
	callUUID, ok := l.store.LPeek(tm.waitingKey)
	if !ok {
		return nil
	}

	agentID, ok := l.agents.NextAvailable(tm.name)
	if !ok {
		return nil
	}

	if err := l.agents.MarkBusy(agentID, callUUID); err != nil {
		return err
	}

	ext, ok := l.agents.Extension(agentID)
	if !ok {
		return nil
	}
	if _, err := l.sw.API(switchio.BuildBridge(callUUID, ext)); err != nil {
		return err
	}

	if err := l.updateActiveCall(callUUID, func(ac *switchio.ActiveCall) {
		ac.AgentID = &agentID
		connectedAt := time.Now().Unix()
		ac.ConnectedAt = &connectedAt
	}); err != nil {
		l.log.Error("waitingroom: update active call after bridge failed", "call_uuid", callUUID, "error", err)
	}

	l.store.LPop(tm.waitingKey)
	return nil
}

// updateActiveCall applies mutate to the active-call record already on
// file for callUUID (created when the call was parked in
// internal/events), under the same per-call lock the event
// demultiplexer uses for the same record.
func (l *Loop) updateActiveCall(callUUID string, mutate func(*switchio.ActiveCall)) error {
	return l.store.WithLock(state.ActiveCallLockKey(callUUID), func() error {
		raw, err := l.store.HGet(state.ActiveCalls, callUUID)
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
		l.store.HSet(state.ActiveCalls, callUUID, out)
		return nil
	})
}
