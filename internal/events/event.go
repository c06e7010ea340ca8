// Package events turns the switch adapter's raw event stream into call
// and agent transitions: answer/bridge, warm transfer, IVR park routing,
// and hangup with lead re-enqueue and terminal-record handoff to the
// persistence sink.
package events

import (
	"fmt"
	"strconv"

	"github.com/dialcore/dialcore/internal/switchio"
)

// Kind is the demultiplexer's interpretation of a raw switch event.
type Kind string

const (
	KindAnswer  Kind = "answer"
	KindHangup  Kind = "hangup"
	KindPark    Kind = "park"
	KindExecute Kind = "execute"
)

// Event is the demultiplexer's tagged union over one switch event,
// carrying only the fields the transition table reads.
type Event struct {
	Kind Kind

	CallUUID     string
	Direction    string // "inbound" or "outbound"
	OtherLegUUID string // set on the agent-leg answer of a bridged call

	AutoBridge bool
	AgentID    *string
	CallID     string
	LeadID     *int64

	HangupCause string

	Application     string
	ApplicationData string
	TransferorExt   string

	IVRChoice string

	HangupTime      int64 // epoch seconds
	DurationSeconds int
}

func kindForEventName(name string) (Kind, bool) {
	switch name {
	case "CHANNEL_ANSWER":
		return KindAnswer, true
	case "CHANNEL_HANGUP_COMPLETE":
		return KindHangup, true
	case "CHANNEL_PARK":
		return KindPark, true
	case "CHANNEL_EXECUTE":
		return KindExecute, true
	default:
		return "", false
	}
}

// Parse interprets a raw switch event into the demultiplexer's tagged
// union. It returns ok=false for event names outside the subscription
// filter rather than an error — Dispatch's caller treats these as
// silently ignorable.
func Parse(raw switchio.Event) (Event, bool, error) {
	kind, ok := kindForEventName(raw.Name)
	if !ok {
		return Event{}, false, nil
	}

	ev := Event{
		Kind:            kind,
		CallUUID:        raw.Get("Unique-ID"),
		Direction:       raw.Get("Call-Direction"),
		OtherLegUUID:    raw.Get("Other-Leg-Unique-ID"),
		AutoBridge:      raw.Get("variable_sip_h_X-auto_bridge") == "true",
		CallID:          raw.Get("variable_sip_h_X-call_id"),
		HangupCause:     raw.Get("Hangup-Cause"),
		Application:     raw.Get("Application"),
		ApplicationData: raw.Get("Application-Data"),
		TransferorExt:   raw.Get("variable_last_sent_callee_id_number"),
		IVRChoice:       raw.Get("variable_ivr_choice"),
	}

	if agentID := raw.Get("variable_sip_h_X-agent_id"); agentID != "" {
		ev.AgentID = &agentID
	}
	if leadIDStr := raw.Get("variable_sip_h_X-lead_id"); leadIDStr != "" {
		leadID, err := strconv.ParseInt(leadIDStr, 10, 64)
		if err != nil {
			return Event{}, false, fmt.Errorf("events: parse lead_id %q: %w", leadIDStr, err)
		}
		ev.LeadID = &leadID
	}
	if hangupTimeStr := raw.Get("Caller-Channel-Hangup-Time"); hangupTimeStr != "" {
		t, err := strconv.ParseInt(hangupTimeStr, 10, 64)
		if err == nil {
			ev.HangupTime = t
		}
	}
	if durationStr := raw.Get("variable_duration"); durationStr != "" {
		d, err := strconv.Atoi(durationStr)
		if err == nil {
			ev.DurationSeconds = d
		}
	}

	return ev, true, nil
}
