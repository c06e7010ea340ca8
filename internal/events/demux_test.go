package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dialcore/dialcore/internal/agent"
	"github.com/dialcore/dialcore/internal/leadstore"
	"github.com/dialcore/dialcore/internal/queue"
	"github.com/dialcore/dialcore/internal/sink"
	"github.com/dialcore/dialcore/internal/state"
	"github.com/dialcore/dialcore/internal/switchio"
)

type fakeCommander struct {
	cmds []string
	err  error
}

func (f *fakeCommander) API(cmd string) (string, error) {
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return "", f.err
	}
	return "+OK", nil
}

type fakeGateway struct{}

func (fakeGateway) PendingCampaignsBySegment(ctx context.Context) ([]leadstore.Campaign, error) {
	return nil, nil
}
func (fakeGateway) PendingLeadsForCampaign(ctx context.Context, campaignID string) ([]leadstore.Lead, error) {
	return nil, nil
}
func (fakeGateway) TransitionPendingToInQueue(ctx context.Context, leadIDs []int64) ([]int64, error) {
	return nil, nil
}
func (fakeGateway) UpdateLeadOutcome(ctx context.Context, leadID int64, status leadstore.LeadStatus, at int64) error {
	return nil
}
func (fakeGateway) InsertCallLog(ctx context.Context, cl *leadstore.CallLog) error { return nil }
func (fakeGateway) CallLogExists(ctx context.Context, callID string) (bool, error) {
	return false, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDemux(t *testing.T) (*Demux, *fakeCommander, *state.Store, *agent.Machine, *queue.Manager) {
	t.Helper()
	store := state.New()
	agents := agent.New(store)
	queues := queue.NewManager()
	sk := sink.New(store, fakeGateway{}, 0, 0, discardLogger())
	cmd := &fakeCommander{}
	d := &Demux{
		sw:                   cmd,
		agents:               agents,
		queues:               queues,
		store:                store,
		sink:                 sk,
		log:                  discardLogger(),
		now:                  time.Now,
		waitingRoomExtension: "9000",
	}
	return d, cmd, store, agents, queues
}

func putActiveCall(t *testing.T, store *state.Store, ac switchio.ActiveCall) {
	t.Helper()
	raw, err := switchio.MarshalActiveCall(ac)
	if err != nil {
		t.Fatalf("MarshalActiveCall: %v", err)
	}
	store.HSet(state.ActiveCalls, ac.CallUUID, raw)
}

func TestAnswerBridgesIdleAgentAndMarksBusy(t *testing.T) {
	d, cmd, store, agents, _ := newTestDemux(t)
	_ = agents.Login("agent-1", agent.TeamSales, "101")
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", Direction: "outbound"})

	agentID := "agent-1"
	ev := switchio.Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Event-Name":                "CHANNEL_ANSWER",
		"Unique-ID":                 "call-1",
		"Call-Direction":            "outbound",
		"variable_sip_h_X-agent_id": agentID,
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(cmd.cmds) != 1 || cmd.cmds[0] != "uuid_bridge call-1 user/101" {
		t.Errorf("commands issued = %v, want [uuid_bridge call-1 user/101]", cmd.cmds)
	}
	if agents.IsIdle("agent-1") {
		t.Error("agent-1 should be busy after a successful bridge")
	}

	raw, err := store.HGet(state.ActiveCalls, "call-1")
	if err != nil {
		t.Fatalf("HGet active call: %v", err)
	}
	ac, _ := switchio.UnmarshalActiveCall(raw)
	if ac.ConnectedAt == nil {
		t.Error("active call ConnectedAt not stamped after bridge")
	}
}

func TestAnswerKillsWhenPreassignedAgentBusy(t *testing.T) {
	d, cmd, store, agents, _ := newTestDemux(t)
	_ = agents.Login("agent-1", agent.TeamSales, "101")
	_ = agents.MarkBusy("agent-1", "other-call")
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", Direction: "outbound"})

	agentID := "agent-1"
	ev := switchio.Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Event-Name":                "CHANNEL_ANSWER",
		"Unique-ID":                 "call-1",
		"Call-Direction":            "outbound",
		"variable_sip_h_X-agent_id": agentID,
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(cmd.cmds) != 1 || cmd.cmds[0] != "uuid_kill call-1 AGENT_BUSY" {
		t.Errorf("commands issued = %v, want [uuid_kill call-1 AGENT_BUSY]", cmd.cmds)
	}
}

func TestAnswerAcquisitionPullsNextAvailableSalesAgent(t *testing.T) {
	d, cmd, store, agents, _ := newTestDemux(t)
	_ = agents.Login("agent-1", agent.TeamSales, "101")
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", Direction: "outbound"})

	ev := switchio.Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Event-Name":     "CHANNEL_ANSWER",
		"Unique-ID":      "call-1",
		"Call-Direction": "outbound",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(cmd.cmds) != 1 || cmd.cmds[0] != "uuid_bridge call-1 user/101" {
		t.Errorf("commands issued = %v, want [uuid_bridge call-1 user/101]", cmd.cmds)
	}
	if agents.IsIdle("agent-1") {
		t.Error("agent-1 should be busy after acquisition pickup")
	}
}

func TestAnswerNoAvailableAgentKillsCall(t *testing.T) {
	d, cmd, store, _, _ := newTestDemux(t)
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", Direction: "outbound"})

	ev := switchio.Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Event-Name":     "CHANNEL_ANSWER",
		"Unique-ID":      "call-1",
		"Call-Direction": "outbound",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(cmd.cmds) != 1 || cmd.cmds[0] != "uuid_kill call-1 NO_AVAILABLE_AGENT" {
		t.Errorf("commands issued = %v, want [uuid_kill call-1 NO_AVAILABLE_AGENT]", cmd.cmds)
	}
}

func TestAnswerBridgeFailureRequeuesAgentAsIdle(t *testing.T) {
	d, cmd, store, agents, _ := newTestDemux(t)
	_ = agents.Login("agent-1", agent.TeamSales, "101")
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", Direction: "outbound"})
	cmd.err = errors.New("uuid_bridge failed")

	ev := switchio.Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Event-Name":     "CHANNEL_ANSWER",
		"Unique-ID":      "call-1",
		"Call-Direction": "outbound",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !agents.IsIdle("agent-1") {
		t.Error("agent-1's state row should still read idle after a failed bridge")
	}
	if _, ok := agents.NextAvailable(agent.TeamSales); !ok {
		t.Error("agent-1 should be back in its idle queue after a failed bridge, not stranded")
	}
}

func TestAnswerAutoBridgeFirstLegIsNoOp(t *testing.T) {
	d, cmd, store, agents, _ := newTestDemux(t)
	_ = agents.Login("agent-1", agent.TeamSales, "101")
	_ = agents.MarkBusy("agent-1", "")
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", Direction: "outbound"})

	agentID := "agent-1"
	ev := switchio.Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Event-Name":                   "CHANNEL_ANSWER",
		"Unique-ID":                    "call-1",
		"Call-Direction":               "outbound",
		"variable_sip_h_X-agent_id":    agentID,
		"variable_sip_h_X-auto_bridge": "true",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cmd.cmds) != 0 {
		t.Errorf("commands issued = %v, want none for the auto_bridge first-leg answer", cmd.cmds)
	}
}

func TestAnswerOtherLegUpdatesConnectedAt(t *testing.T) {
	d, _, store, _, _ := newTestDemux(t)
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", Direction: "outbound"})

	ev := switchio.Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Event-Name":          "CHANNEL_ANSWER",
		"Unique-ID":           "call-1",
		"Other-Leg-Unique-ID": "call-1-b",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	raw, _ := store.HGet(state.ActiveCalls, "call-1")
	ac, _ := switchio.UnmarshalActiveCall(raw)
	if ac.ConnectedAt == nil {
		t.Error("ConnectedAt not stamped for the other-leg answer")
	}
}

func TestExecuteTransferMarksTransferorIdleAndDestinationBusy(t *testing.T) {
	d, _, _, agents, _ := newTestDemux(t)
	_ = agents.Login("agent-src", agent.TeamSales, "101")
	_ = agents.MarkBusy("agent-src", "call-1")
	_ = agents.Login("agent-dst", agent.TeamSales, "102")

	ev := switchio.Event{Name: "CHANNEL_EXECUTE", Headers: map[string]string{
		"Event-Name":                          "CHANNEL_EXECUTE",
		"Unique-ID":                           "call-1",
		"Application":                         "transfer",
		"Application-Data":                    "102",
		"variable_last_sent_callee_id_number": "101",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !agents.IsIdle("agent-src") {
		t.Error("transferor agent-src should be idle after transfer")
	}
	if agents.IsIdle("agent-dst") {
		t.Error("destination agent-dst should be busy after transfer")
	}
}

func TestParkRoutesToIdleSupportAgent(t *testing.T) {
	d, cmd, store, agents, _ := newTestDemux(t)
	_ = agents.Login("support-1", agent.TeamSupport, "201")

	ev := switchio.Event{Name: "CHANNEL_PARK", Headers: map[string]string{
		"Event-Name":          "CHANNEL_PARK",
		"Unique-ID":           "call-1",
		"Call-Direction":      "inbound",
		"variable_ivr_choice": "1",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cmd.cmds) != 1 || cmd.cmds[0] != "uuid_transfer call-1 201 XML default" {
		t.Errorf("commands issued = %v, want transfer to 201", cmd.cmds)
	}
	if agents.IsIdle("support-1") {
		t.Error("support-1 should be busy after being routed a parked call")
	}

	raw, err := store.HGet(state.ActiveCalls, "call-1")
	if err != nil {
		t.Fatalf("HGet active call: %v", err)
	}
	ac, err := switchio.UnmarshalActiveCall(raw)
	if err != nil {
		t.Fatalf("UnmarshalActiveCall: %v", err)
	}
	if ac.Direction != "inbound" {
		t.Errorf("active call direction = %q, want inbound", ac.Direction)
	}
	if ac.AgentID == nil || *ac.AgentID != "support-1" {
		t.Errorf("active call AgentID = %v, want support-1", ac.AgentID)
	}
	if ac.ConnectedAt == nil {
		t.Error("active call ConnectedAt should be stamped once bridged to an idle agent")
	}
}

func TestParkEnqueuesWaitingRoomWhenNoAgentFree(t *testing.T) {
	d, cmd, store, _, _ := newTestDemux(t)

	ev := switchio.Event{Name: "CHANNEL_PARK", Headers: map[string]string{
		"Event-Name":          "CHANNEL_PARK",
		"Unique-ID":           "call-1",
		"Call-Direction":      "inbound",
		"variable_ivr_choice": "2",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cmd.cmds) != 1 || cmd.cmds[0] != "uuid_transfer call-1 9000 XML default" {
		t.Errorf("commands issued = %v, want transfer to the waiting room", cmd.cmds)
	}
	drained := store.DrainList(state.SecondarySalesCustomersWaiting)
	if len(drained) != 1 || drained[0] != "call-1" {
		t.Errorf("waiting queue = %v, want [call-1]", drained)
	}

	raw, err := store.HGet(state.ActiveCalls, "call-1")
	if err != nil {
		t.Fatalf("HGet active call: %v", err)
	}
	ac, err := switchio.UnmarshalActiveCall(raw)
	if err != nil {
		t.Fatalf("UnmarshalActiveCall: %v", err)
	}
	if ac.Direction != "inbound" {
		t.Errorf("active call direction = %q, want inbound", ac.Direction)
	}
	if ac.AgentID != nil {
		t.Errorf("active call AgentID = %v, want nil until the waiting room drains it", ac.AgentID)
	}
}

func TestParkUnrecognizedIVRChoiceIsDropped(t *testing.T) {
	d, cmd, _, _, _ := newTestDemux(t)

	ev := switchio.Event{Name: "CHANNEL_PARK", Headers: map[string]string{
		"Event-Name":          "CHANNEL_PARK",
		"Unique-ID":           "call-1",
		"Call-Direction":      "inbound",
		"variable_ivr_choice": "9",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cmd.cmds) != 0 {
		t.Errorf("commands issued = %v, want none for an unrecognized ivr choice", cmd.cmds)
	}
}

func TestHangupReenqueuesOnLostRaceAndStillCompletesCall(t *testing.T) {
	d, _, store, agents, queues := newTestDemux(t)
	_ = agents.Login("agent-1", agent.TeamSales, "101")
	_ = agents.MarkBusy("agent-1", "")

	lead := queue.Lead{LeadID: 7, PhoneNumber: "155500"}
	payload, _ := json.Marshal(lead)
	agentID := "agent-1"
	putActiveCall(t, store, switchio.ActiveCall{
		CallUUID: "call-1", AgentID: &agentID, Direction: "outbound", Payload: payload,
	})

	ev := switchio.Event{Name: "CHANNEL_HANGUP_COMPLETE", Headers: map[string]string{
		"Event-Name":   "CHANNEL_HANGUP_COMPLETE",
		"Unique-ID":    "call-1",
		"Hangup-Cause": "AGENT_BUSY",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, ok := queues.PopPriority("agent-1")
	if !ok || got.LeadID != 7 {
		t.Errorf("PopPriority(agent-1) = (%+v, %v), want (LeadID:7, true)", got, ok)
	}

	// Lost-race hangups don't free the agent (they're still mid-ring on
	// another lead) but the active-call record must still be gone and a
	// completed-call record pushed.
	if _, err := store.HGet(state.ActiveCalls, "call-1"); err == nil {
		t.Error("active call record should be popped on hangup")
	}
	if store.ListLen(state.CompletedCalls) != 1 {
		t.Errorf("CompletedCalls len = %d, want 1", store.ListLen(state.CompletedCalls))
	}
}

func TestHangupWithNoResolvedAgentReenqueuesToAcquisition(t *testing.T) {
	d, _, store, _, queues := newTestDemux(t)

	lead := queue.Lead{LeadID: 9, PhoneNumber: "155501"}
	payload, _ := json.Marshal(lead)
	putActiveCall(t, store, switchio.ActiveCall{
		CallUUID: "call-1", Direction: "outbound", Payload: payload,
	})

	ev := switchio.Event{Name: "CHANNEL_HANGUP_COMPLETE", Headers: map[string]string{
		"Event-Name":   "CHANNEL_HANGUP_COMPLETE",
		"Unique-ID":    "call-1",
		"Hangup-Cause": "NO_AVAILABLE_AGENT",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, ok := queues.PopAcquisition()
	if !ok || got.LeadID != 9 {
		t.Errorf("PopAcquisition() = (%+v, %v), want (LeadID:9, true)", got, ok)
	}
	if store.ListLen(state.CompletedCalls) != 1 {
		t.Errorf("CompletedCalls len = %d, want 1", store.ListLen(state.CompletedCalls))
	}
}

func TestHangupNormalClearingMarksAgentIdle(t *testing.T) {
	d, _, store, agents, _ := newTestDemux(t)
	_ = agents.Login("agent-1", agent.TeamSales, "101")
	_ = agents.MarkBusy("agent-1", "call-1")

	agentID := "agent-1"
	putActiveCall(t, store, switchio.ActiveCall{CallUUID: "call-1", AgentID: &agentID, Direction: "outbound"})

	ev := switchio.Event{Name: "CHANNEL_HANGUP_COMPLETE", Headers: map[string]string{
		"Event-Name":   "CHANNEL_HANGUP_COMPLETE",
		"Unique-ID":    "call-1",
		"Hangup-Cause": "NORMAL_CLEARING",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !agents.IsIdle("agent-1") {
		t.Error("agent-1 should be idle after a normal-clearing hangup")
	}
	if store.ListLen(state.CompletedCalls) != 1 {
		t.Errorf("CompletedCalls len = %d, want 1", store.ListLen(state.CompletedCalls))
	}
}

func TestHangupForUnknownActiveCallIsIgnored(t *testing.T) {
	d, _, store, _, _ := newTestDemux(t)

	ev := switchio.Event{Name: "CHANNEL_HANGUP_COMPLETE", Headers: map[string]string{
		"Event-Name":   "CHANNEL_HANGUP_COMPLETE",
		"Unique-ID":    "ghost-call",
		"Hangup-Cause": "NORMAL_CLEARING",
	}}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if store.ListLen(state.CompletedCalls) != 0 {
		t.Error("no completed-call record should be pushed for an unknown call-uuid")
	}
}
