package model

import (
	"fmt"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/constants"
)

// CampaignStatus is the derived lifecycle state of a campaign.
type CampaignStatus int

const (
	// CampaignUpcoming means the campaign has not started yet.
	CampaignUpcoming CampaignStatus = iota
	// CampaignActive means the campaign is currently running.
	CampaignActive
	// CampaignExpired means the campaign has ended.
	CampaignExpired
)

// String returns the wire name of the status.
func (s CampaignStatus) String() string {
	switch s {
	case CampaignUpcoming:
		return "UPCOMING"
	case CampaignActive:
		return "ACTIVE"
	default:
		return "EXPIRED"
	}
}

// Campaign is a reward campaign consisting of an ordered list of drops.
// Campaigns are created on inventory fetch and updated in place on later
// fetches; expired campaigns are kept for history and never deleted
// while the process runs.
type Campaign struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LinkURL string `json:"link_url,omitempty"`

	Game Game `json:"game"`

	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	// Linked reports whether the user's platform account is linked to
	// the campaign's game account; unlinked campaigns accrue no progress.
	Linked bool `json:"linked"`

	// AllowList, when non-empty, restricts the campaign to explicitly
	// allow-listed channel IDs (ACL-based); empty means directory-based.
	AllowList []string `json:"allow_list,omitempty"`

	// AllowLogins maps allow-listed channel IDs to their login names so
	// ACL discovery can probe them directly.
	AllowLogins map[string]string `json:"-"`

	ImageURL string `json:"image_url,omitempty"`

	Drops []*Drop `json:"drops"`
}

// NewCampaign creates a Campaign, swapping reversed time bounds so the
// starts_at ≤ ends_at invariant holds.
func NewCampaign(id, name string, game Game, startsAt, endsAt time.Time) *Campaign {
	if endsAt.Before(startsAt) {
		startsAt, endsAt = endsAt, startsAt
	}
	return &Campaign{
		ID:       id,
		Name:     name,
		Game:     game,
		StartsAt: startsAt,
		EndsAt:   endsAt,
		Drops:    make([]*Drop, 0),
	}
}

// StatusAt derives the campaign status at the given instant.
func (c *Campaign) StatusAt(now time.Time) CampaignStatus {
	switch {
	case now.Before(c.StartsAt):
		return CampaignUpcoming
	case now.Before(c.EndsAt):
		return CampaignActive
	default:
		return CampaignExpired
	}
}

// Status derives the campaign status for the current time.
func (c *Campaign) Status() CampaignStatus {
	return c.StatusAt(time.Now())
}

// ACLBased reports whether the campaign restricts mining to an
// allow-list of channels rather than the game directory.
func (c *Campaign) ACLBased() bool {
	return len(c.AllowList) > 0
}

// Drop returns the drop with the given ID, or nil.
func (c *Campaign) Drop(dropID string) *Drop {
	for _, d := range c.Drops {
		if d.ID == dropID {
			return d
		}
	}
	return nil
}

// ClaimedDrops counts claimed drops; always ≤ TotalDrops.
func (c *Campaign) ClaimedDrops() int {
	n := 0
	for _, d := range c.Drops {
		if d.IsClaimed {
			n++
		}
	}
	return n
}

// TotalDrops returns the number of drops in the campaign.
func (c *Campaign) TotalDrops() int {
	return len(c.Drops)
}

// PreconditionsMet walks the precondition chain of the given drop and
// reports whether every transitive precondition is claimed. Chains with
// a cycle or deeper than the traversal cap are rejected with an error.
func (c *Campaign) PreconditionsMet(dropID string) (bool, error) {
	seen := make(map[string]bool, 4)
	depth := 0

	d := c.Drop(dropID)
	if d == nil {
		return false, fmt.Errorf("drop %s not in campaign %s", dropID, c.ID)
	}

	met := true
	for d.PreconditionID != "" {
		depth++
		if depth > constants.MaxPreconditionDepth {
			return false, fmt.Errorf("precondition chain for drop %s exceeds depth %d",
				dropID, constants.MaxPreconditionDepth)
		}
		if seen[d.ID] {
			return false, fmt.Errorf("precondition cycle at drop %s in campaign %s", d.ID, c.ID)
		}
		seen[d.ID] = true

		pre := c.Drop(d.PreconditionID)
		if pre == nil {
			return false, fmt.Errorf("drop %s references unknown precondition %s",
				d.ID, d.PreconditionID)
		}
		if !pre.IsClaimed {
			met = false
		}
		d = pre
	}

	return met, nil
}

// FirstUnclaimedDrop returns the first drop, in campaign order, that is
// unclaimed and whose preconditions are all claimed; nil if none.
func (c *Campaign) FirstUnclaimedDrop() *Drop {
	for _, d := range c.Drops {
		if d.IsClaimed {
			continue
		}
		if met, err := c.PreconditionsMet(d.ID); err == nil && met {
			return d
		}
	}
	return nil
}

// AllowsChannel reports whether the given channel may mine this
// campaign: any channel for directory-based campaigns, allow-listed
// channels only for ACL-based ones.
func (c *Campaign) AllowsChannel(channelID string) bool {
	if !c.ACLBased() {
		return true
	}
	for _, id := range c.AllowList {
		if id == channelID {
			return true
		}
	}
	return false
}

// String returns a human-readable representation of the campaign.
func (c *Campaign) String() string {
	return fmt.Sprintf("Campaign(id=%s, name=%s, game=%s, status=%s, drops=%d/%d)",
		c.ID, c.Name, c.Game.BestName(), c.Status(), c.ClaimedDrops(), c.TotalDrops())
}
