package leadstore

import "context"

// PendingLeadBatch is one campaign's pending leads, selected for a
// refill pass.
type PendingLeadBatch struct {
	Campaign Campaign
	Leads    []Lead
}

// Gateway is the narrow data-access interface the queue manager and
// persistence sink depend on. It never exposes CRUD for campaigns or
// leads beyond what the dialer core itself needs to transition state —
// campaign/lead authoring belongs to the administrative surface.
type Gateway interface {
	// PendingCampaignsBySegment returns distinct active campaigns that
	// have at least one pending lead, ordered by the fixed segment
	// priority (follow_up < active < growth < active_churn <
	// growth_churn < acquisition).
	PendingCampaignsBySegment(ctx context.Context) ([]Campaign, error)

	// PendingLeadsForCampaign streams a campaign's pending leads.
	PendingLeadsForCampaign(ctx context.Context, campaignID string) ([]Lead, error)

	// TransitionPendingToInQueue atomically moves the given lead IDs
	// from pending to in_queue, returning the subset that actually
	// transitioned. A caller racing a concurrent refill sees fewer IDs
	// back than requested (possibly none) and must build its in-memory
	// snapshot only from that returned subset.
	TransitionPendingToInQueue(ctx context.Context, leadIDs []int64) ([]int64, error)

	// UpdateLeadOutcome records a terminal call outcome against a lead:
	// advances status, increments attempt_count, and stamps
	// last_call_date.
	UpdateLeadOutcome(ctx context.Context, leadID int64, status LeadStatus, at int64) error

	// InsertCallLog writes a terminal call record. It is the only write
	// path for call_logs; the persistence sink is its sole caller.
	InsertCallLog(ctx context.Context, cl *CallLog) error

	// CallLogExists reports whether a call_logs row already exists for
	// callID, so the sink can enforce "at most once per call-uuid" even
	// across a dirty retry.
	CallLogExists(ctx context.Context, callID string) (bool, error)
}

// sqliteGateway implements Gateway over a *DB.
type sqliteGateway struct {
	db *DB
}

// NewGateway returns a Gateway backed by db.
func NewGateway(db *DB) Gateway {
	return &sqliteGateway{db: db}
}
