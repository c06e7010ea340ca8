package leadstore

import (
	"encoding/json"
	"time"
)

// Segment is a campaign's lead classification. Refill order follows the
// fixed priority FollowUp < Active < Growth < ActiveChurn < GrowthChurn <
// Acquisition.
type Segment string

const (
	SegmentFollowUp    Segment = "follow_up"
	SegmentActive      Segment = "active"
	SegmentGrowth      Segment = "growth"
	SegmentActiveChurn Segment = "active_churn"
	SegmentGrowthChurn Segment = "growth_churn"
	SegmentAcquisition Segment = "acquisition"
)

// segmentPriority orders segments for refill selection; lower sorts first.
var segmentPriority = map[Segment]int{
	SegmentFollowUp:    0,
	SegmentActive:      1,
	SegmentGrowth:      2,
	SegmentActiveChurn: 3,
	SegmentGrowthChurn: 4,
	SegmentAcquisition: 5,
}

// LeadStatus is the persistent status of one lead.
type LeadStatus string

const (
	LeadPending     LeadStatus = "pending"
	LeadInQueue     LeadStatus = "in_queue"
	LeadCompleted   LeadStatus = "completed"
	LeadNotAnswered LeadStatus = "not_answered"
	LeadInvalid     LeadStatus = "invalid"
	LeadFailed      LeadStatus = "failed"
)

// CallStatus is the terminal status recorded for a call log row.
type CallStatus string

const (
	CallAnswered  CallStatus = "answered"
	CallFailed    CallStatus = "failed"
	CallNoAnswer  CallStatus = "no_answer"
	CallBusy      CallStatus = "busy"
	CallInvalid   CallStatus = "invalid"
	CallCancelled CallStatus = "cancelled"
)

// Campaign is a calling campaign: a segment of leads assigned (except for
// acquisition) to one agent.
type Campaign struct {
	CampaignID   string
	CampaignName string
	Active       bool
	Segment      Segment
	AgentID      *string
	Status       string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Lead is a persistent lead record.
type Lead struct {
	ID               int64
	CampaignID       string
	PhoneNumber      string
	CustomerName     string
	City             string
	CustomerSegment  string
	MonthGMV         *float64
	OverallGMV       *float64
	LastOrderDetails json.RawMessage
	Metadata         json.RawMessage
	Status           LeadStatus
	AttemptCount     int
	MaxAttempts      int
	LastCallDate     *time.Time
}

// CallLog is a terminal call fact, written once per call-uuid by the
// persistence sink.
type CallLog struct {
	ID               int64
	CallID           string
	AgentID          *string
	LeadID           *int64
	CampaignID       *string
	ToNumber         string
	Status           CallStatus
	DisconnectReason string
	CallDirection    string
	InitiatedAt      *time.Time
	AnsweredAt       *time.Time
	EndedAt          *time.Time
	DurationSeconds  int
}
