// Package agent implements the per-agent state machine: login/logout,
// busy/idle transitions, and the idle-queue operations the dialer cycle
// uses to find agent capacity. Every mutating operation runs under the
// agent's named lock in the shared state.Store.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dialcore/dialcore/internal/state"
)

// Team identifies one of the three idle queues an agent can belong to.
type Team string

const (
	TeamSales          Team = "sales"
	TeamSecondarySales Team = "secondary_sales"
	TeamSupport        Team = "support"
)

// queueKey returns the state-store sorted-set key backing a team's idle
// queue.
func queueKey(team Team) string {
	switch team {
	case TeamSales:
		return state.SalesAgentQueue
	case TeamSecondarySales:
		return state.SecondarySalesAgentQueue
	case TeamSupport:
		return state.SupportAgentQueue
	default:
		return "AGENT_QUEUE:" + string(team)
	}
}

// Status is one of the three agent lifecycle states.
type Status string

const (
	StatusLoggedOut Status = "logged_out"
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
)

// State is the closed, explicitly-serialized record for one agent. It is
// never stored as free-form JSON: every field is named here, and
// MarshalState/UnmarshalState are the only paths in or out of the
// state.Store hash.
type State struct {
	AgentID         string
	Team            Team
	Extension       string
	Status          Status
	CurrentCallID   *string
	CallInitiatedAt *int64 // epoch seconds
}

// MarshalState encodes a State to the string stored in the agent-states
// hash.
func MarshalState(s State) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("agent: marshal state: %w", err)
	}
	return string(b), nil
}

// UnmarshalState decodes a State from its stored string form.
func UnmarshalState(raw string) (State, error) {
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, fmt.Errorf("agent: unmarshal state: %w", err)
	}
	return s, nil
}

// ErrAgentAbsent is returned when an operation requires an existing state
// row (mark-busy, mark-idle) but the agent is logged out.
var ErrAgentAbsent = errors.New("agent: absent (logged out)")

// Machine wraps a state.Store with the agent lifecycle operations.
// Exactly one Machine instance is shared across the dialer cycle, the
// event demultiplexer, and the orphan reaper.
type Machine struct {
	store *state.Store
	now   func() time.Time
}

// New returns a Machine backed by store.
func New(store *state.Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

func (m *Machine) get(agentID string) (State, bool) {
	raw, err := m.store.HGet(state.AgentStates, agentID)
	if err != nil {
		return State{}, false
	}
	s, err := UnmarshalState(raw)
	if err != nil {
		return State{}, false
	}
	return s, true
}

func (m *Machine) put(s State) error {
	raw, err := MarshalState(s)
	if err != nil {
		return err
	}
	m.store.HSet(state.AgentStates, s.AgentID, raw)
	return nil
}

// Login sets the agent idle, clears any current call, and adds it to its
// team's idle queue scored by the current timestamp (FIFO by
// last-went-idle; re-logging in moves the agent to the back). extension
// is the agent's SIP extension, resolved by the Agent Registry and
// recorded here so the event demultiplexer and waiting-room loop can
// bridge/transfer without a second lookup.
func (m *Machine) Login(agentID string, team Team, extension string) error {
	return m.store.WithLock(state.AgentStateLockKey(agentID), func() error {
		s := State{AgentID: agentID, Team: team, Extension: extension, Status: StatusIdle}
		if err := m.put(s); err != nil {
			return err
		}
		m.store.ZAdd(queueKey(team), agentID, float64(m.now().Unix()))
		return nil
	})
}

// Logout deletes the agent's state row and removes it from every team's
// idle queue (an agent belongs to exactly one, but removal is unconditional
// across all three for safety against a stale team value).
func (m *Machine) Logout(agentID string) error {
	return m.store.WithLock(state.AgentStateLockKey(agentID), func() error {
		m.store.HDel(state.AgentStates, agentID)
		for _, t := range []Team{TeamSales, TeamSecondarySales, TeamSupport} {
			m.store.ZRem(queueKey(t), agentID)
		}
		return nil
	})
}

// MarkBusy requires an existing state row. It sets status=busy, records
// callID (which may be empty, meaning "call originated but no uuid
// assigned yet"), stamps call_initiated_at when callID is empty so the
// orphan reaper can time the wait out, and removes the agent from its
// idle queue.
func (m *Machine) MarkBusy(agentID string, callID string) error {
	return m.store.WithLock(state.AgentStateLockKey(agentID), func() error {
		s, ok := m.get(agentID)
		if !ok {
			return fmt.Errorf("agent %s: %w", agentID, ErrAgentAbsent)
		}
		s.Status = StatusBusy
		if callID == "" {
			s.CurrentCallID = nil
			now := m.now().Unix()
			s.CallInitiatedAt = &now
		} else {
			s.CurrentCallID = &callID
			s.CallInitiatedAt = nil
		}
		if err := m.put(s); err != nil {
			return err
		}
		m.store.ZRem(queueKey(s.Team), agentID)
		return nil
	})
}

// MarkIdle requires an existing state row. It sets status=idle, clears
// the current call, and re-inserts the agent into its idle queue.
func (m *Machine) MarkIdle(agentID string) error {
	return m.store.WithLock(state.AgentStateLockKey(agentID), func() error {
		s, ok := m.get(agentID)
		if !ok {
			return fmt.Errorf("agent %s: %w", agentID, ErrAgentAbsent)
		}
		s.Status = StatusIdle
		s.CurrentCallID = nil
		s.CallInitiatedAt = nil
		if err := m.put(s); err != nil {
			return err
		}
		m.store.ZAdd(queueKey(s.Team), agentID, float64(m.now().Unix()))
		return nil
	})
}

// IsIdleOpts overrides which fields IsIdle checks. The zero value checks
// both (status == idle AND current_call_id == nil), the default "idle for
// dialing purposes" predicate. Setting either field true skips that half
// of the check, matching the original is_agent_idle_in_cache's
// check_state/check_call_id parameters used by a couple of call sites
// that only care about one half.
type IsIdleOpts struct {
	SkipStatusCheck bool
	SkipCallCheck   bool
}

// IsIdle reports whether agentID satisfies the requested idle predicate.
// The state row is read under the agent's lock. Absence of the state row,
// or failure to acquire the lock, returns false. With no opts, this is
// state==idle && current_call_id==nil.
func (m *Machine) IsIdle(agentID string, opts ...IsIdleOpts) bool {
	var o IsIdleOpts
	if len(opts) > 0 {
		o = opts[0]
	}

	var s State
	var ok bool
	if err := m.store.WithLock(state.AgentStateLockKey(agentID), func() error {
		s, ok = m.get(agentID)
		return nil
	}); err != nil {
		return false
	}
	if !ok {
		return false
	}
	if !o.SkipStatusCheck && s.Status != StatusIdle {
		return false
	}
	if !o.SkipCallCheck && s.CurrentCallID != nil {
		return false
	}
	return true
}

// Get returns the current state for agentID, and whether it exists.
func (m *Machine) Get(agentID string) (State, bool) {
	return m.get(agentID)
}

// Extension returns agentID's SIP extension, and whether the agent is
// known.
func (m *Machine) Extension(agentID string) (string, bool) {
	s, ok := m.get(agentID)
	if !ok {
		return "", false
	}
	return s.Extension, true
}

// NextAvailable pops the longest-idle agent from team's idle queue. It
// returns ("", false) if the queue is empty.
func (m *Machine) NextAvailable(team Team) (string, bool) {
	agentID, _, err := m.store.ZPopMin(queueKey(team))
	if err != nil {
		return "", false
	}
	return agentID, true
}

// Requeue re-adds agentID to its team's idle queue without touching the
// state row. It undoes a NextAvailable pop for a caller that claimed the
// agent but then failed before ever calling MarkBusy (missing extension,
// bridge command error): the state row never left idle, only the queue
// entry did, and without this the agent is idle forever but unreachable
// by NextAvailable.
func (m *Machine) Requeue(agentID string) error {
	return m.store.WithLock(state.AgentStateLockKey(agentID), func() error {
		s, ok := m.get(agentID)
		if !ok {
			return fmt.Errorf("agent %s: %w", agentID, ErrAgentAbsent)
		}
		m.store.ZAdd(queueKey(s.Team), agentID, float64(m.now().Unix()))
		return nil
	})
}

// PeekNextAvailable is the non-destructive variant of NextAvailable.
func (m *Machine) PeekNextAvailable(team Team) (string, bool) {
	agentID, _, err := m.store.ZPeekMin(queueKey(team))
	if err != nil {
		return "", false
	}
	return agentID, true
}

// StaleBusyAgent is a busy agent still waiting on a call that was
// initiated more than timeout ago and never got an active-call record.
type StaleBusyAgent struct {
	AgentID         string
	CallInitiatedAt int64
}

// StaleBusyAgents scans the state hash for agents stuck busy, waiting
// for an originate to resolve, whose wait has exceeded timeout. It is the
// orphan reaper's detection half; reclaiming is the caller's job (mark
// idle, log, emit a metric) so the reaper can apply its own policy.
func (m *Machine) StaleBusyAgents(now time.Time, timeout time.Duration) []StaleBusyAgent {
	all := m.store.HGetAll(state.AgentStates)
	var stale []StaleBusyAgent
	cutoff := now.Add(-timeout).Unix()
	for agentID, raw := range all {
		s, err := UnmarshalState(raw)
		if err != nil {
			continue
		}
		if s.Status != StatusBusy || s.CurrentCallID != nil || s.CallInitiatedAt == nil {
			continue
		}
		if *s.CallInitiatedAt <= cutoff {
			stale = append(stale, StaleBusyAgent{AgentID: agentID, CallInitiatedAt: *s.CallInitiatedAt})
		}
	}
	return stale
}

// IdleAgents returns every agent-id currently in status idle, read
// directly from the state hash rather than the idle queues. The dialer
// cycle uses this snapshot instead of draining the idle queues, to avoid
// racing with an in-flight originate that hasn't yet flipped an agent to
// busy.
func (m *Machine) IdleAgents() []string {
	all := m.store.HGetAll(state.AgentStates)
	var idle []string
	for agentID, raw := range all {
		s, err := UnmarshalState(raw)
		if err != nil {
			continue
		}
		if s.Status == StatusIdle && s.CurrentCallID == nil {
			idle = append(idle, agentID)
		}
	}
	return idle
}

// States returns every agent's current state, for metrics reporting
// that needs to break counts down by team and status; everything else
// in this package works off the narrower per-purpose scans above.
func (m *Machine) States() []State {
	all := m.store.HGetAll(state.AgentStates)
	out := make([]State, 0, len(all))
	for _, raw := range all {
		s, err := UnmarshalState(raw)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// FindByExtension scans the state hash for the agent currently
// registered under extension. Used by the warm-transfer handler, which
// only gets extensions off the switch's channel variables, never
// agent-ids. A linear scan is acceptable at this agent-count scale; see
// IdleAgents for the same tradeoff.
func (m *Machine) FindByExtension(extension string) (State, bool) {
	all := m.store.HGetAll(state.AgentStates)
	for _, raw := range all {
		s, err := UnmarshalState(raw)
		if err != nil {
			continue
		}
		if s.Extension == extension {
			return s, true
		}
	}
	return State{}, false
}

// BusyAgentsWithCall returns every agent currently busy and bound to a
// call-uuid — the orphan reaper's other detection half (stale agents
// still waiting on an originate to answer are StaleBusyAgents; this is
// agents whose bound call-uuid itself may no longer exist).
func (m *Machine) BusyAgentsWithCall() []State {
	all := m.store.HGetAll(state.AgentStates)
	var busy []State
	for _, raw := range all {
		s, err := UnmarshalState(raw)
		if err != nil {
			continue
		}
		if s.Status == StatusBusy && s.CurrentCallID != nil {
			busy = append(busy, s)
		}
	}
	return busy
}
