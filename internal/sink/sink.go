// Package sink is the persistence sink: an append-only buffer of
// completed-call records drained to the lead store in batches, debounced
// so a burst of hangups doesn't hammer the database with one write per
// call.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialcore/dialcore/internal/leadstore"
	"github.com/dialcore/dialcore/internal/state"
)

// CompletedCall is an active call's final shape: the originate payload
// plus the facts only known at hangup.
type CompletedCall struct {
	CallUUID        string
	AgentID         *string
	LeadID          *int64
	CampaignID      *string
	PhoneNumber     string
	Direction       string
	InitiatedAt     int64
	ConnectedAt     *int64
	EndedAt         int64
	HangupCause     string
	DurationSeconds int
}

// hangupCauseToStatus maps a switch hangup cause to the call-log's
// persisted status. Causes absent from this table map to "", logged and
// otherwise dropped from the outcome partition, but the call-log row is
// still written, with an empty status.
var hangupCauseToStatus = map[string]leadstore.CallStatus{
	"NORMAL_CLEARING":       leadstore.CallAnswered,
	"USER_BUSY":             leadstore.CallBusy,
	"CALL_REJECTED":         leadstore.CallBusy,
	"NO_ANSWER":             leadstore.CallNoAnswer,
	"NO_USER_RESPONSE":      leadstore.CallNoAnswer,
	"PROGRESS_TIMEOUT":      leadstore.CallNoAnswer,
	"RECOVERY_ON_TIMER":     leadstore.CallFailed,
	"LOSE_RACE":             leadstore.CallFailed,
	"ORIGINATOR_CANCEL":     leadstore.CallCancelled,
	"UNALLOCATED_NUMBER":    leadstore.CallInvalid,
	"INVALID_NUMBER_FORMAT": leadstore.CallInvalid,
	"NO_ROUTE_DESTINATION":  leadstore.CallInvalid,
}

// MapHangupCause returns the call-log status for a hangup cause, and
// whether the cause was recognized.
func MapHangupCause(cause string) (leadstore.CallStatus, bool) {
	status, ok := hangupCauseToStatus[cause]
	return status, ok
}

// leadOutcomeFromStatus partitions a recognized call status into the
// lead's next persistent status: answered leads are done, no_answer/busy
// leads stay retriable under the lead store's own attempt/max_attempts
// policy but are marked not_answered for this call, invalid numbers are
// marked invalid. Anything else (failed, cancelled, unrecognized) leaves
// the lead row untouched: no outcome update is issued for it.
func leadOutcomeFromStatus(status leadstore.CallStatus) (leadstore.LeadStatus, bool) {
	switch status {
	case leadstore.CallAnswered:
		return leadstore.LeadCompleted, true
	case leadstore.CallNoAnswer, leadstore.CallBusy:
		return leadstore.LeadNotAnswered, true
	case leadstore.CallInvalid:
		return leadstore.LeadInvalid, true
	default:
		return "", false
	}
}

// Sink buffers completed calls in the shared state store and drains them
// to the lead store on a debounce timer.
type Sink struct {
	store *state.Store
	gw    leadstore.Gateway
	log   *slog.Logger

	drainDelay time.Duration
	lockTTL    time.Duration
}

// New returns a Sink backed by store and gw.
func New(store *state.Store, gw leadstore.Gateway, drainDelay, lockTTL time.Duration, log *slog.Logger) *Sink {
	return &Sink{store: store, gw: gw, log: log, drainDelay: drainDelay, lockTTL: lockTTL}
}

// Push appends a completed call to the buffer. Never blocks on the
// database; the drain task does that work asynchronously.
func (s *Sink) Push(cc CompletedCall) error {
	raw, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("sink: marshal completed call: %w", err)
	}
	s.store.RPush(state.CompletedCalls, string(raw))
	return nil
}

// ScheduleDrain attempts to claim the single-flight drain lock and, if
// successful, schedules a drain after the configured debounce delay.
// Concurrent callers racing ScheduleDrain within the same debounce
// window see the lock already held and skip, matching
// sync_to_db_wrapper's set(ex=5, nx=True) guard.
func (s *Sink) ScheduleDrain(ctx context.Context) {
	if !s.store.SetNX(state.SyncToDBLock, s.lockTTL) {
		s.log.Info("sink: drain already scheduled by another worker, skipping")
		return
	}
	go func() {
		select {
		case <-time.After(s.drainDelay):
		case <-ctx.Done():
			return
		}
		if err := s.Drain(ctx); err != nil {
			s.log.Error("sink: drain failed", "error", err)
		}
	}()
}

// Drain atomically reads and clears the completed-call buffer, then
// writes one call-log row per record and updates each lead's status by
// outcome, one UpdateLeadOutcome call per record (no batched update).
func (s *Sink) Drain(ctx context.Context) error {
	raw := s.store.DrainList(state.CompletedCalls)
	if len(raw) == 0 {
		return nil
	}

	now := time.Now().Unix()
	var failures int
	for _, r := range raw {
		var cc CompletedCall
		if err := json.Unmarshal([]byte(r), &cc); err != nil {
			s.log.Error("sink: dropping unparseable completed call", "error", err)
			failures++
			continue
		}
		if err := s.persistOne(ctx, cc, now); err != nil {
			s.log.Error("sink: persisting completed call failed", "call_uuid", cc.CallUUID, "error", err)
			failures++
		}
	}
	s.log.Info("sink: drain complete", "total", len(raw), "failures", failures)
	return nil
}

func (s *Sink) persistOne(ctx context.Context, cc CompletedCall, now int64) error {
	exists, err := s.gw.CallLogExists(ctx, cc.CallUUID)
	if err != nil {
		return fmt.Errorf("checking call log existence: %w", err)
	}
	if exists {
		// Invariant: a terminal call is enqueued at most once per
		// call-uuid, but a dirty retry of a prior drain could still
		// replay one. Skip rather than double-insert.
		return nil
	}

	status, recognized := MapHangupCause(cc.HangupCause)
	if !recognized {
		s.log.Warn("sink: unrecognized hangup cause", "call_uuid", cc.CallUUID, "cause", cc.HangupCause)
	}

	initiatedAt := epochPtr(cc.InitiatedAt)
	answeredAt := epochPtrFromPtr(cc.ConnectedAt)
	endedAt := epochPtr(cc.EndedAt)

	cl := &leadstore.CallLog{
		CallID:           cc.CallUUID,
		AgentID:          cc.AgentID,
		LeadID:           cc.LeadID,
		CampaignID:       cc.CampaignID,
		ToNumber:         cc.PhoneNumber,
		Status:           status,
		DisconnectReason: cc.HangupCause,
		CallDirection:    cc.Direction,
		InitiatedAt:      initiatedAt,
		AnsweredAt:       answeredAt,
		EndedAt:          endedAt,
		DurationSeconds:  cc.DurationSeconds,
	}
	if err := s.gw.InsertCallLog(ctx, cl); err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}

	if cc.LeadID == nil {
		return nil
	}
	leadStatus, ok := leadOutcomeFromStatus(status)
	if !ok {
		return nil
	}
	if err := s.gw.UpdateLeadOutcome(ctx, *cc.LeadID, leadStatus, now); err != nil {
		return fmt.Errorf("updating lead outcome: %w", err)
	}
	return nil
}

func epochPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func epochPtrFromPtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	return epochPtr(*sec)
}
