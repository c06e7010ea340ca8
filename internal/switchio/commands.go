package switchio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActiveCall is the switch adapter's view of one in-flight call, keyed
// by call-uuid. It generalizes the richer SIP dialog record this
// codebase's lineage keeps to the narrower fields the dialer core needs:
// no SIP tags, just the uuid, the agent (if any), the originate payload,
// and timestamps.
//
// Payload is an opaque blob the originator attaches and the event
// demultiplexer reads back unchanged on a losing race (AGENT_BUSY,
// LOSE_RACE, NO_AVAILABLE_AGENT): the full queue snapshot the dialer
// cycle popped to make this call, so a hangup handler can re-enqueue it
// without this package needing to know what a lead or a queue is.
type ActiveCall struct {
	CallUUID    string
	AgentID     *string // nil until bridge decides one, for acquisition-pass and inbound calls
	CampaignID  *string
	PhoneNumber string
	LeadID      *int64
	Direction   string // "inbound" or "outbound"
	AutoBridge  bool
	InitiatedAt int64 // epoch seconds
	ConnectedAt *int64
	Payload     json.RawMessage `json:",omitempty"`
}

// MarshalActiveCall encodes an ActiveCall to the string stored in the
// active-calls hash.
func MarshalActiveCall(ac ActiveCall) (string, error) {
	b, err := json.Marshal(ac)
	if err != nil {
		return "", fmt.Errorf("switchio: marshal active call: %w", err)
	}
	return string(b), nil
}

// UnmarshalActiveCall decodes an ActiveCall from its stored string form.
func UnmarshalActiveCall(raw string) (ActiveCall, error) {
	var ac ActiveCall
	if err := json.Unmarshal([]byte(raw), &ac); err != nil {
		return ActiveCall{}, fmt.Errorf("switchio: unmarshal active call: %w", err)
	}
	return ac, nil
}

// OriginateParams carries everything BuildOriginate needs to construct
// one originate command line.
type OriginateParams struct {
	CallID          string
	AgentID         *string // preassigned agent, priority and secondary passes
	AutoBridge      bool
	LeadID          int64
	PhoneNumber     string
	CustomerName    string
	CustomerSegment string
	MonthGMV        *float64
	OverallGMV      *float64

	AgentExtension   string // required when AutoBridge is true
	DestinationE164  string // production destination
	DevMode          bool
	DevExtension     string // used instead of DestinationE164 when DevMode
	OriginateTimeout int
}

// BuildOriginate constructs the originate command line: custom
// sip_h_X-<field> vars carry call_id/agent_id/auto_bridge/lead_id plus
// scalar lead fields, origination_uuid is set explicitly so the caller's
// call-uuid is authoritative, last_order_details and metadata are never
// included, and the application is &park (with originate_timeout) unless
// AutoBridge requests an immediate &bridge.
func BuildOriginate(p OriginateParams) string {
	vars := []string{
		"origination_uuid=" + p.CallID,
		"sip_h_X-call_id=" + p.CallID,
	}
	if p.AgentID != nil {
		vars = append(vars, "sip_h_X-agent_id="+*p.AgentID)
	}
	if p.AutoBridge {
		vars = append(vars, "sip_h_X-auto_bridge=true")
	}
	vars = append(vars,
		"sip_h_X-lead_id="+strconv.FormatInt(p.LeadID, 10),
		"sip_h_X-phone_number="+p.PhoneNumber,
		"sip_h_X-customer_name="+quoteVar(p.CustomerName),
		"sip_h_X-customer_segment="+p.CustomerSegment,
	)
	if p.MonthGMV != nil {
		vars = append(vars, "sip_h_X-month_gmv="+strconv.FormatFloat(*p.MonthGMV, 'f', -1, 64))
	}
	if p.OverallGMV != nil {
		vars = append(vars, "sip_h_X-overall_gmv="+strconv.FormatFloat(*p.OverallGMV, 'f', -1, 64))
	}
	if p.OriginateTimeout > 0 {
		vars = append(vars, "originate_timeout="+strconv.Itoa(p.OriginateTimeout))
	}

	dest := p.DestinationE164
	if p.DevMode {
		dest = "user/" + p.DevExtension
	} else {
		dest = "sofia/external/" + dest
	}

	app := "&park"
	if p.AutoBridge {
		app = "&bridge(user/" + p.AgentExtension + ")"
	}

	return fmt.Sprintf("originate {%s}%s %s", strings.Join(vars, ","), dest, app)
}

// quoteVar escapes a value destined for a {var='v'} originate channel
// variable so an embedded comma or quote can't break the variable list.
func quoteVar(v string) string {
	v = strings.ReplaceAll(v, "'", "")
	v = strings.ReplaceAll(v, ",", " ")
	return "'" + v + "'"
}

// BuildBridge constructs a uuid_bridge command attaching an agent
// extension to a parked call.
func BuildBridge(callUUID, agentExtension string) string {
	return fmt.Sprintf("uuid_bridge %s user/%s", callUUID, agentExtension)
}

// BuildTransfer constructs a uuid_transfer command redirecting a call to
// an extension's default XML dialplan context.
func BuildTransfer(callUUID, extension string) string {
	return fmt.Sprintf("uuid_transfer %s %s XML default", callUUID, extension)
}

// BuildKill constructs a uuid_kill command terminating a call with a
// specific clearing cause.
func BuildKill(callUUID, cause string) string {
	return fmt.Sprintf("uuid_kill %s %s", callUUID, cause)
}
