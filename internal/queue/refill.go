package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialcore/dialcore/internal/leadstore"
)

// Refill runs one pass of the refill algorithm: it streams pending leads
// from gw campaign by campaign, in fixed segment-priority order, builds
// queue snapshots, transitions the selected leads from pending to
// in_queue, and merges the result into mgr. It is idempotent: a duplicate
// run transitions zero additional leads and is a no-op, because the
// lead store's own pending/in_queue status is the source of truth for
// what's left to pick up.
func Refill(ctx context.Context, gw leadstore.Gateway, mgr *Manager, now time.Time, log *slog.Logger) error {
	campaigns, err := gw.PendingCampaignsBySegment(ctx)
	if err != nil {
		return fmt.Errorf("listing pending campaigns: %w", err)
	}

	for _, campaign := range campaigns {
		if err := refillCampaign(ctx, gw, mgr, campaign, now, log); err != nil {
			log.Warn("refill: campaign failed, skipping", "campaign_id", campaign.CampaignID, "error", err)
			continue
		}
	}
	return nil
}

func refillCampaign(ctx context.Context, gw leadstore.Gateway, mgr *Manager, campaign leadstore.Campaign, now time.Time, log *slog.Logger) error {
	leads, err := gw.PendingLeadsForCampaign(ctx, campaign.CampaignID)
	if err != nil {
		return fmt.Errorf("listing pending leads: %w", err)
	}
	if len(leads) == 0 {
		return nil
	}

	ids := make([]int64, len(leads))
	byID := make(map[int64]leadstore.Lead, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
		byID[l.ID] = l
	}

	transitioned, err := gw.TransitionPendingToInQueue(ctx, ids)
	if err != nil {
		return fmt.Errorf("transitioning leads: %w", err)
	}
	if len(transitioned) == 0 {
		// Another refill already claimed every lead in this campaign;
		// abort the in-memory build for it.
		return nil
	}
	if len(transitioned) < len(leads) {
		log.Info("refill: partial claim, racing refill took some leads",
			"campaign_id", campaign.CampaignID, "requested", len(leads), "claimed", len(transitioned))
	}

	snapshots := make([]Lead, 0, len(transitioned))
	for _, id := range transitioned {
		lead, ok := byID[id]
		if !ok {
			continue
		}
		snapshots = append(snapshots, BuildSnapshot(campaign, lead, now))
	}

	if campaign.Segment == leadstore.SegmentAcquisition {
		mgr.MergeAcquisition(snapshots)
		if campaign.AgentID != nil {
			mgr.EnableAcquisition(*campaign.AgentID)
		}
		return nil
	}

	if campaign.AgentID == nil {
		return fmt.Errorf("non-acquisition campaign %s has no assigned agent", campaign.CampaignID)
	}
	mgr.MergeSecondary(*campaign.AgentID, snapshots)
	return nil
}
