package leadstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PendingCampaignsBySegment selects distinct active campaigns with at
// least one pending lead, then sorts them in Go by the fixed segment
// priority — a CASE-based ORDER BY would work too, but this keeps the
// priority table (models.go's segmentPriority) the single source of
// truth instead of duplicating it in SQL.
func (g *sqliteGateway) PendingCampaignsBySegment(ctx context.Context) ([]Campaign, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT DISTINCT c.campaign_id, c.campaign_name, c.active, c.segment,
		       c.agent_id, c.status, c.created_at, c.started_at, c.completed_at
		FROM campaigns c
		JOIN leads l ON l.campaign_id = c.campaign_id
		WHERE c.active = 1 AND l.status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("querying pending campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending campaigns: %w", err)
	}

	sort.SliceStable(campaigns, func(i, j int) bool {
		return segmentPriority[campaigns[i].Segment] < segmentPriority[campaigns[j].Segment]
	})
	return campaigns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (Campaign, error) {
	var c Campaign
	var agentID sql.NullString
	var startedAt, completedAt sql.NullTime
	err := r.Scan(&c.CampaignID, &c.CampaignName, &c.Active, &c.Segment,
		&agentID, &c.Status, &c.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return Campaign{}, fmt.Errorf("scanning campaign: %w", err)
	}
	if agentID.Valid {
		c.AgentID = &agentID.String
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// PendingLeadsForCampaign returns every pending lead for campaignID.
func (g *sqliteGateway) PendingLeadsForCampaign(ctx context.Context, campaignID string) ([]Lead, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, campaign_id, phone_number, customer_name, city, customer_segment,
		       month_gmv, overall_gmv, last_order_details, metadata, status,
		       attempt_count, max_attempts, last_call_date
		FROM leads WHERE campaign_id = ? AND status = 'pending'`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying pending leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending leads: %w", err)
	}
	return leads, nil
}

func scanLead(r rowScanner) (Lead, error) {
	var l Lead
	var city, customerSegment sql.NullString
	var monthGMV, overallGMV sql.NullFloat64
	var lastOrderDetails, metadata sql.NullString
	var lastCallDate sql.NullTime

	err := r.Scan(&l.ID, &l.CampaignID, &l.PhoneNumber, &l.CustomerName, &city,
		&customerSegment, &monthGMV, &overallGMV, &lastOrderDetails, &metadata,
		&l.Status, &l.AttemptCount, &l.MaxAttempts, &lastCallDate)
	if err != nil {
		return Lead{}, fmt.Errorf("scanning lead: %w", err)
	}
	l.City = city.String
	l.CustomerSegment = customerSegment.String
	if monthGMV.Valid {
		l.MonthGMV = &monthGMV.Float64
	}
	if overallGMV.Valid {
		l.OverallGMV = &overallGMV.Float64
	}
	if lastOrderDetails.Valid {
		l.LastOrderDetails = []byte(lastOrderDetails.String)
	}
	if metadata.Valid {
		l.Metadata = []byte(metadata.String)
	}
	if lastCallDate.Valid {
		l.LastCallDate = &lastCallDate.Time
	}
	return l, nil
}

// TransitionPendingToInQueue moves the given lead IDs from pending to
// in_queue, returning exactly the subset that was still pending (and so
// actually transitioned). Leads another refill already claimed are
// silently excluded by the WHERE clause and absent from the result,
// which is how a racing refill ends up with fewer IDs than requested.
func (g *sqliteGateway) TransitionPendingToInQueue(ctx context.Context, leadIDs []int64) ([]int64, error) {
	if len(leadIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(leadIDs))
	args := make([]any, len(leadIDs))
	for i, id := range leadIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(
		`UPDATE leads SET status = 'in_queue' WHERE status = 'pending' AND id IN (%s) RETURNING id`,
		strings.Join(placeholders, ","),
	)

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transitioning leads to in_queue: %w", err)
	}
	defer rows.Close()

	var transitioned []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning transitioned lead id: %w", err)
		}
		transitioned = append(transitioned, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitioned leads: %w", err)
	}
	return transitioned, nil
}

// UpdateLeadOutcome advances a lead's status after a terminal call,
// incrementing attempt_count and stamping last_call_date.
func (g *sqliteGateway) UpdateLeadOutcome(ctx context.Context, leadID int64, status LeadStatus, at int64) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE leads
		SET status = ?, attempt_count = attempt_count + 1, last_call_date = ?
		WHERE id = ?`,
		status, time.Unix(at, 0).UTC(), leadID,
	)
	if err != nil {
		return fmt.Errorf("updating lead outcome: %w", err)
	}
	return nil
}

// InsertCallLog writes a terminal call record.
func (g *sqliteGateway) InsertCallLog(ctx context.Context, cl *CallLog) error {
	result, err := g.db.ExecContext(ctx, `
		INSERT INTO call_logs (call_id, agent_id, lead_id, campaign_id, to_number,
		       status, disconnect_reason, call_direction, initiated_at, answered_at,
		       ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cl.CallID, cl.AgentID, cl.LeadID, cl.CampaignID, cl.ToNumber,
		cl.Status, cl.DisconnectReason, cl.CallDirection, cl.InitiatedAt,
		cl.AnsweredAt, cl.EndedAt, cl.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cl.ID = id
	return nil
}

// CallLogExists reports whether a call_logs row already exists for callID.
func (g *sqliteGateway) CallLogExists(ctx context.Context, callID string) (bool, error) {
	var count int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_logs WHERE call_id = ?`, callID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking call log existence: %w", err)
	}
	return count > 0, nil
}
