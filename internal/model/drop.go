package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/utils"
)

// Drop is a rewardable unit within a campaign that requires a fixed
// number of watched minutes and may be preconditioned on earlier drops
// in the same campaign.
//
// CurrentMinutes only moves through ReportMinutes, BumpMinute and
// MarkClaimed so the invariants 0 ≤ current ≤ required and
// claimed ⇒ current == required hold at all times.
type Drop struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Name       string `json:"name"`

	RequiredMinutes int  `json:"required_minutes"`
	CurrentMinutes  int  `json:"current_minutes"`
	IsClaimed       bool `json:"is_claimed"`

	// InstanceID is the claimable instance handle reported by the
	// platform once the drop is completed; empty until then.
	InstanceID string `json:"instance_id,omitempty"`

	// PreconditionID references another drop in the same campaign that
	// must be claimed before this one can make progress.
	PreconditionID string `json:"precondition_id,omitempty"`

	Benefits []Benefit `json:"benefits,omitempty"`

	// lastReportAt is the timestamp of the newest authoritative progress
	// report applied to this drop.
	lastReportAt time.Time
}

// NewDrop creates a Drop with zero progress.
func NewDrop(id, campaignID, name string, requiredMinutes int) *Drop {
	if requiredMinutes < 0 {
		requiredMinutes = 0
	}
	return &Drop{
		ID:              id,
		CampaignID:      campaignID,
		Name:            name,
		RequiredMinutes: requiredMinutes,
	}
}

// ReportMinutes applies an authoritative progress report. Reports older
// than the newest applied one are ignored and reported as an error.
// An authoritative value may be lower than the local one; this is the
// only legal regression of CurrentMinutes.
func (d *Drop) ReportMinutes(minutes int, at time.Time) error {
	if !d.lastReportAt.IsZero() && !at.After(d.lastReportAt) {
		return fmt.Errorf("stale progress report for drop %s: %s not after %s",
			d.ID, at.Format(time.RFC3339), d.lastReportAt.Format(time.RFC3339))
	}

	if minutes < 0 {
		minutes = 0
	}
	if minutes > d.RequiredMinutes || d.IsClaimed {
		minutes = d.RequiredMinutes
	}

	d.CurrentMinutes = minutes
	d.lastReportAt = at
	return nil
}

// LastReportAt returns the timestamp of the newest applied authoritative report.
func (d *Drop) LastReportAt() time.Time {
	return d.lastReportAt
}

// BumpMinute advances local extrapolated progress by one minute, capped
// at RequiredMinutes. It never moves the authoritative baseline.
func (d *Drop) BumpMinute() {
	if d.CurrentMinutes < d.RequiredMinutes {
		d.CurrentMinutes++
	}
}

// IsComplete reports whether the required minutes have been watched.
func (d *Drop) IsComplete() bool {
	return d.CurrentMinutes >= d.RequiredMinutes
}

// CanClaim reports whether the drop is completed but not yet claimed.
// Precondition chains are checked by the owning Campaign.
func (d *Drop) CanClaim() bool {
	return d.IsComplete() && !d.IsClaimed
}

// MarkClaimed records a successful claim. Claiming is monotonic: once
// set it never reverts, and it pins CurrentMinutes to RequiredMinutes.
func (d *Drop) MarkClaimed() {
	d.IsClaimed = true
	d.CurrentMinutes = d.RequiredMinutes
}

// Progress returns the integer completion percentage.
func (d *Drop) Progress() int {
	return utils.Percentage(d.CurrentMinutes, d.RequiredMinutes)
}

// RemainingSeconds returns the wall seconds of watching left at one
// minute of credit per minute watched.
func (d *Drop) RemainingSeconds() int {
	remaining := d.RequiredMinutes - d.CurrentMinutes
	if remaining < 0 {
		remaining = 0
	}
	return remaining * 60
}

// BenefitNames returns a comma-joined list of benefit names for logging.
func (d *Drop) BenefitNames() string {
	names := make([]string, 0, len(d.Benefits))
	for _, b := range d.Benefits {
		names = append(names, b.Name)
	}
	return strings.Join(names, ", ")
}

// String returns a human-readable representation of the drop.
func (d *Drop) String() string {
	return fmt.Sprintf("Drop(id=%s, name=%s, progress=%d/%d, claimed=%t)",
		d.ID, d.Name, d.CurrentMinutes, d.RequiredMinutes, d.IsClaimed)
}
