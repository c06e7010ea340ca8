package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dialcore/dialcore/internal/leadstore"
	"github.com/dialcore/dialcore/internal/state"
)

// fakeGateway is an in-memory leadstore.Gateway recording every
// InsertCallLog/UpdateLeadOutcome call for assertions.
type fakeGateway struct {
	mu          sync.Mutex
	callLogs    map[string]*leadstore.CallLog
	leadOutcome map[int64]leadstore.LeadStatus
	insertErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		callLogs:    make(map[string]*leadstore.CallLog),
		leadOutcome: make(map[int64]leadstore.LeadStatus),
	}
}

func (f *fakeGateway) PendingCampaignsBySegment(ctx context.Context) ([]leadstore.Campaign, error) {
	return nil, nil
}

func (f *fakeGateway) PendingLeadsForCampaign(ctx context.Context, campaignID string) ([]leadstore.Lead, error) {
	return nil, nil
}

func (f *fakeGateway) TransitionPendingToInQueue(ctx context.Context, leadIDs []int64) ([]int64, error) {
	return nil, nil
}

func (f *fakeGateway) UpdateLeadOutcome(ctx context.Context, leadID int64, status leadstore.LeadStatus, at int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leadOutcome[leadID] = status
	return nil
}

func (f *fakeGateway) InsertCallLog(ctx context.Context, cl *leadstore.CallLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.callLogs[cl.CallID]; exists {
		return fmt.Errorf("duplicate call log for %s", cl.CallID)
	}
	cp := *cl
	f.callLogs[cl.CallID] = &cp
	return nil
}

func (f *fakeGateway) CallLogExists(ctx context.Context, callID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.callLogs[callID]
	return ok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapHangupCauseKnownAndUnknown(t *testing.T) {
	cases := []struct {
		cause string
		want  leadstore.CallStatus
		ok    bool
	}{
		{"NORMAL_CLEARING", leadstore.CallAnswered, true},
		{"USER_BUSY", leadstore.CallBusy, true},
		{"CALL_REJECTED", leadstore.CallBusy, true},
		{"NO_ANSWER", leadstore.CallNoAnswer, true},
		{"PROGRESS_TIMEOUT", leadstore.CallNoAnswer, true},
		{"RECOVERY_ON_TIMER", leadstore.CallFailed, true},
		{"ORIGINATOR_CANCEL", leadstore.CallCancelled, true},
		{"UNALLOCATED_NUMBER", leadstore.CallInvalid, true},
		{"SOMETHING_WEIRD", "", false},
	}
	for _, c := range cases {
		got, ok := MapHangupCause(c.cause)
		if got != c.want || ok != c.ok {
			t.Errorf("MapHangupCause(%q) = (%q, %v), want (%q, %v)", c.cause, got, ok, c.want, c.ok)
		}
	}
}

func TestPushAndDrainWritesOneCallLogPerCall(t *testing.T) {
	store := state.New()
	gw := newFakeGateway()
	s := New(store, gw, time.Hour, time.Hour, discardLogger())

	agentID := "agent-1"
	leadID := int64(7)
	connectedAt := int64(1000)
	cc := CompletedCall{
		CallUUID:    "call-1",
		AgentID:     &agentID,
		LeadID:      &leadID,
		PhoneNumber: "15550001111",
		Direction:   "outbound",
		InitiatedAt: 990,
		ConnectedAt: &connectedAt,
		EndedAt:     1050,
		HangupCause: "NORMAL_CLEARING",
	}
	if err := s.Push(cc); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(gw.callLogs) != 1 {
		t.Fatalf("callLogs len = %d, want 1", len(gw.callLogs))
	}
	cl, ok := gw.callLogs["call-1"]
	if !ok {
		t.Fatal("no call log written for call-1")
	}
	if cl.Status != leadstore.CallAnswered {
		t.Errorf("Status = %q, want answered", cl.Status)
	}
	if cl.DurationSeconds != 0 {
		t.Errorf("DurationSeconds = %d, want 0 (not computed by caller)", cl.DurationSeconds)
	}
	if got, want := gw.leadOutcome[7], leadstore.LeadCompleted; got != want {
		t.Errorf("lead outcome = %q, want %q", got, want)
	}

	if store.ListLen(state.CompletedCalls) != 0 {
		t.Error("completed-calls list must be empty after drain")
	}
}

func TestDrainIsIdempotentOnCallLogExists(t *testing.T) {
	store := state.New()
	gw := newFakeGateway()
	s := New(store, gw, time.Hour, time.Hour, discardLogger())

	leadID := int64(3)
	cc := CompletedCall{CallUUID: "call-dup", LeadID: &leadID, HangupCause: "USER_BUSY"}
	s.Push(cc)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("first Drain: %v", err)
	}

	// Simulate a dirty retry replaying the same record.
	s.Push(cc)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain: %v", err)
	}

	if len(gw.callLogs) != 1 {
		t.Fatalf("callLogs len = %d, want 1 (no duplicate insert)", len(gw.callLogs))
	}
}

func TestDrainPartitionsOutcomesByHangupCause(t *testing.T) {
	store := state.New()
	gw := newFakeGateway()
	s := New(store, gw, time.Hour, time.Hour, discardLogger())

	leadAnswered, leadBusy, leadInvalid, leadCancelled := int64(1), int64(2), int64(3), int64(4)
	for _, cc := range []CompletedCall{
		{CallUUID: "c1", LeadID: &leadAnswered, HangupCause: "NORMAL_CLEARING"},
		{CallUUID: "c2", LeadID: &leadBusy, HangupCause: "USER_BUSY"},
		{CallUUID: "c3", LeadID: &leadInvalid, HangupCause: "UNALLOCATED_NUMBER"},
		{CallUUID: "c4", LeadID: &leadCancelled, HangupCause: "ORIGINATOR_CANCEL"},
	} {
		s.Push(cc)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if got, want := gw.leadOutcome[1], leadstore.LeadCompleted; got != want {
		t.Errorf("lead 1 outcome = %q, want %q", got, want)
	}
	if got, want := gw.leadOutcome[2], leadstore.LeadNotAnswered; got != want {
		t.Errorf("lead 2 outcome = %q, want %q", got, want)
	}
	if got, want := gw.leadOutcome[3], leadstore.LeadInvalid; got != want {
		t.Errorf("lead 3 outcome = %q, want %q", got, want)
	}
	if _, touched := gw.leadOutcome[4]; touched {
		t.Error("cancelled call must not update lead status")
	}
}

func TestScheduleDrainSingleFlightsConcurrentCallers(t *testing.T) {
	store := state.New()
	gw := newFakeGateway()
	s := New(store, gw, 10*time.Millisecond, time.Hour, discardLogger())

	leadID := int64(9)
	s.Push(CompletedCall{CallUUID: "call-x", LeadID: &leadID, HangupCause: "NORMAL_CLEARING"})

	ctx := context.Background()
	s.ScheduleDrain(ctx)
	s.ScheduleDrain(ctx) // should be a no-op: lock already held

	time.Sleep(50 * time.Millisecond)

	if len(gw.callLogs) != 1 {
		t.Fatalf("callLogs len = %d, want 1", len(gw.callLogs))
	}
}

func TestDrainNoopOnEmptyBuffer(t *testing.T) {
	store := state.New()
	gw := newFakeGateway()
	s := New(store, gw, time.Hour, time.Hour, discardLogger())

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain on empty buffer: %v", err)
	}
	if len(gw.callLogs) != 0 {
		t.Error("Drain on empty buffer must not write anything")
	}
}
