// Package inventory owns the campaign/drop state: fetching in-progress
// and available campaigns, reconciling server reports into the model,
// claiming completed drops, and resolving precondition chains.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
	"github.com/sorren/twitch-drops-harvester/internal/settings"
)

// UserIDProvider supplies the authenticated user ID for detail queries.
type UserIDProvider interface {
	UserID() string
}

// Service is the inventory service. Campaigns are created on the first
// fetch that observes them and updated in place afterwards; they are
// never removed while the process runs.
type Service struct {
	mu sync.RWMutex

	campaigns map[string]*model.Campaign
	order     []string

	lastFetch time.Time

	client *gql.Client
	user   UserIDProvider
	store  *settings.Store
	bus    *events.Bus
	log    *logger.Logger
}

// New creates an inventory Service.
func New(client *gql.Client, user UserIDProvider, store *settings.Store, bus *events.Bus, log *logger.Logger) *Service {
	return &Service{
		campaigns: make(map[string]*model.Campaign),
		client:    client,
		user:      user,
		store:     store,
		bus:       bus,
		log:       log,
	}
}

// Fetch runs one INVENTORY_FETCH: a batched snapshot call, a detail
// fetch for newly observed campaigns, reconciliation into the model,
// and claims for every completed unclaimed drop. Running it twice in a
// row without server-side changes produces no net state change.
func (s *Service) Fetch(ctx context.Context) error {
	snapshot, err := s.client.FetchInventorySnapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetching inventory snapshot: %w", err)
	}

	newIDs := s.reconcileDashboard(snapshot.Dashboard)

	if len(newIDs) > 0 {
		details, err := s.client.FetchCampaignDetails(ctx, s.user.UserID(), newIDs)
		if err != nil {
			return fmt.Errorf("fetching campaign details: %w", err)
		}
		s.reconcileDetails(details)
	}

	s.reconcileProgress(snapshot.InProgress)

	if err := s.claimCompleted(ctx); err != nil {
		s.log.Warn("Claiming completed drops failed", "error", err)
	}

	s.mu.Lock()
	s.lastFetch = time.Now()
	s.mu.Unlock()

	s.publishBatch()
	return nil
}

// reconcileDashboard folds the dashboard listing into the campaign
// collection and returns IDs seen for the first time.
func (s *Service) reconcileDashboard(dashboard []gql.DashboardCampaign) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newIDs []string
	for _, dc := range dashboard {
		campaign, ok := s.campaigns[dc.ID]
		if !ok {
			campaign = model.NewCampaign(dc.ID, dc.Name, dc.Game, dc.StartAt, dc.EndAt)
			campaign.LinkURL = dc.LinkURL
			campaign.ImageURL = dc.ImageURL
			campaign.Linked = dc.Linked
			s.campaigns[dc.ID] = campaign
			s.order = append(s.order, dc.ID)
			newIDs = append(newIDs, dc.ID)

			s.bus.Publish(events.TypeCampaignAdd, campaign)
			continue
		}

		campaign.Name = dc.Name
		campaign.Game = dc.Game
		campaign.StartsAt = dc.StartAt
		campaign.EndsAt = dc.EndAt
		campaign.Linked = dc.Linked
		if dc.LinkURL != "" {
			campaign.LinkURL = dc.LinkURL
		}
		if dc.ImageURL != "" {
			campaign.ImageURL = dc.ImageURL
		}
	}
	return newIDs
}

// reconcileDetails attaches allow-lists, drops, benefits and
// precondition chains from the detail responses. Drops keep campaign
// order; chains that cycle are detached and logged.
func (s *Service) reconcileDetails(details []gql.CampaignDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, detail := range details {
		campaign, ok := s.campaigns[detail.ID]
		if !ok {
			continue
		}

		campaign.AllowList = campaign.AllowList[:0]
		campaign.AllowLogins = make(map[string]string, len(detail.AllowChannels))
		for _, ch := range detail.AllowChannels {
			campaign.AllowList = append(campaign.AllowList, ch.ID)
			campaign.AllowLogins[ch.ID] = ch.Login
		}

		for _, dd := range detail.Drops {
			drop := campaign.Drop(dd.ID)
			if drop == nil {
				drop = model.NewDrop(dd.ID, campaign.ID, dd.Name, dd.RequiredMinutes)
				campaign.Drops = append(campaign.Drops, drop)
			}
			drop.Name = dd.Name
			drop.RequiredMinutes = dd.RequiredMinutes
			drop.Benefits = dd.Benefits
			if len(dd.PreconditionIDs) > 0 {
				drop.PreconditionID = dd.PreconditionIDs[0]
			}
		}

		// Reject cyclic or overlong chains up front so wanted-drop
		// resolution never has to care.
		for _, drop := range campaign.Drops {
			if _, err := campaign.PreconditionsMet(drop.ID); err != nil {
				s.log.Warn("Rejecting drop precondition chain",
					"campaign", campaign.Name, "drop", drop.Name, "error", err)
				drop.PreconditionID = ""
			}
		}
	}
}

// reconcileProgress applies in-progress inventory data: authoritative
// minutes, instance handles, and claimed flags.
func (s *Service) reconcileProgress(inProgress []gql.InventoryCampaign) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, ic := range inProgress {
		campaign, ok := s.campaigns[ic.ID]
		if !ok {
			continue
		}

		for _, id := range ic.Drops {
			drop := campaign.Drop(id.ID)
			if drop == nil {
				drop = model.NewDrop(id.ID, campaign.ID, id.Name, id.RequiredMinutes)
				campaign.Drops = append(campaign.Drops, drop)
			}

			drop.InstanceID = id.DropInstanceID
			if id.IsClaimed && !drop.IsClaimed {
				drop.MarkClaimed()
			}
			if !drop.IsClaimed && id.CurrentMinutesWatched != drop.CurrentMinutes {
				if err := drop.ReportMinutes(id.CurrentMinutesWatched, now); err != nil {
					s.log.Debug("Ignoring stale inventory progress",
						"drop", drop.Name, "error", err)
				}
			}
		}
	}
}

// claimCompleted claims every drop with full minutes, an unclaimed
// state, and a satisfied precondition chain.
func (s *Service) claimCompleted(ctx context.Context) error {
	for _, candidate := range s.claimCandidates() {
		if err := s.ClaimDrop(ctx, candidate.CampaignID, candidate.ID); err != nil {
			s.log.Warn("Failed to claim drop", "drop", candidate.Name, "error", err)
		}
	}
	return ctx.Err()
}

func (s *Service) claimCandidates() []*model.Drop {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Drop
	for _, id := range s.order {
		campaign := s.campaigns[id]
		for _, drop := range campaign.Drops {
			if !drop.CanClaim() {
				continue
			}
			met, err := campaign.PreconditionsMet(drop.ID)
			if err != nil || !met {
				continue
			}
			out = append(out, drop)
		}
	}
	return out
}

// ClaimDrop claims one completed drop. A second call for an
// already-claimed drop is a no-op: the claimed flag is monotonic and
// the platform treats repeated instance claims as already done.
func (s *Service) ClaimDrop(ctx context.Context, campaignID, dropID string) error {
	s.mu.RLock()
	campaign := s.campaigns[campaignID]
	s.mu.RUnlock()
	if campaign == nil {
		return fmt.Errorf("unknown campaign %s", campaignID)
	}
	drop := campaign.Drop(dropID)
	if drop == nil {
		return fmt.Errorf("unknown drop %s in campaign %s", dropID, campaignID)
	}

	s.mu.Lock()
	if drop.IsClaimed {
		s.mu.Unlock()
		return nil
	}
	instanceID := drop.InstanceID
	s.mu.Unlock()

	if instanceID == "" {
		return fmt.Errorf("drop %s has no claimable instance yet", drop.Name)
	}

	claimed, err := s.client.ClaimDrop(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("claiming drop %s: %w", drop.Name, err)
	}
	if !claimed {
		return fmt.Errorf("drop %s was not claimed", drop.Name)
	}

	s.mu.Lock()
	drop.MarkClaimed()
	s.mu.Unlock()

	s.log.Event(ctx, "DROP_CLAIM", "Claimed drop",
		"drop", drop.Name, "campaign", campaign.Name, "benefits", drop.BenefitNames())
	s.bus.Publish(events.TypeDropUpdate, events.DropUpdatePayload{
		CampaignID: campaignID,
		Drop:       drop,
	})
	return nil
}

// MarkClaimedByServer records a claim reported over the real-time
// channel (e.g. claimed from another device).
func (s *Service) MarkClaimedByServer(dropID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, campaign := range s.campaigns {
		if drop := campaign.Drop(dropID); drop != nil {
			if !drop.IsClaimed {
				drop.MarkClaimed()
				s.bus.Publish(events.TypeDropUpdate, events.DropUpdatePayload{
					CampaignID: campaign.ID,
					Drop:       drop,
				})
			}
			return
		}
	}
}

// ReportProgress applies an authoritative progress tuple to the drop it
// names and republishes the drop. Stale tuples are ignored.
func (s *Service) ReportProgress(dropID string, minutes int, at time.Time) (*model.Campaign, *model.Drop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, campaign := range s.campaigns {
		drop := campaign.Drop(dropID)
		if drop == nil {
			continue
		}
		if err := drop.ReportMinutes(minutes, at); err != nil {
			return campaign, drop, false
		}
		s.bus.Publish(events.TypeDropUpdate, events.DropUpdatePayload{
			CampaignID: campaign.ID,
			Drop:       drop,
		})
		return campaign, drop, true
	}
	return nil, nil, false
}

// BumpMinute advances a drop's extrapolated progress by one minute and
// republishes it. Returns the owning campaign and drop.
func (s *Service) BumpMinute(dropID string) (*model.Campaign, *model.Drop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, campaign := range s.campaigns {
		drop := campaign.Drop(dropID)
		if drop == nil {
			continue
		}
		if drop.IsClaimed || drop.IsComplete() {
			return campaign, drop, false
		}
		drop.BumpMinute()
		s.bus.Publish(events.TypeDropUpdate, events.DropUpdatePayload{
			CampaignID: campaign.ID,
			Drop:       drop,
		})
		return campaign, drop, true
	}
	return nil, nil, false
}

// Find returns the campaign and drop for a drop ID.
func (s *Service) Find(dropID string) (*model.Campaign, *model.Drop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, campaign := range s.campaigns {
		if drop := campaign.Drop(dropID); drop != nil {
			return campaign, drop, true
		}
	}
	return nil, nil, false
}

// Campaign returns a campaign by ID.
func (s *Service) Campaign(id string) (*model.Campaign, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	return c, ok
}

// Campaigns returns the campaigns in first-observed order.
func (s *Service) Campaigns() []*model.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Campaign, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.campaigns[id])
	}
	return out
}

// LastFetch returns when the previous successful fetch finished.
func (s *Service) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch
}

// wantedDrop reports whether a drop is worth mining under the benefit
// gate: unclaimed, preconditions claimed, and at least one wanted
// benefit type (drops without benefits stay wanted).
func wantedDrop(campaign *model.Campaign, drop *model.Drop, cfg settings.Settings) bool {
	if drop.IsClaimed {
		return false
	}
	met, err := campaign.PreconditionsMet(drop.ID)
	if err != nil || !met {
		return false
	}
	if len(drop.Benefits) == 0 {
		return true
	}
	for _, b := range drop.Benefits {
		if cfg.BenefitWanted(b.Type.String()) {
			return true
		}
	}
	return false
}

// WantedCampaigns returns active, linked campaigns that still have a
// wanted drop, honoring the games_to_watch filter when non-empty.
func (s *Service) WantedCampaigns() []*model.Campaign {
	cfg := s.store.Get()

	allowedGames := make(map[string]bool, len(cfg.GamesToWatch))
	for _, name := range cfg.GamesToWatch {
		allowedGames[name] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Campaign
	for _, id := range s.order {
		campaign := s.campaigns[id]
		if campaign.Status() != model.CampaignActive || !campaign.Linked {
			continue
		}
		if len(allowedGames) > 0 && !allowedGames[campaign.Game.BestName()] {
			continue
		}
		hasWanted := false
		for _, drop := range campaign.Drops {
			if wantedDrop(campaign, drop, cfg) {
				hasWanted = true
				break
			}
		}
		if hasWanted {
			out = append(out, campaign)
		}
	}
	return out
}

// WantedGames derives the ordered wanted-games set from the wanted
// campaigns and the user's priority list. With a non-empty
// games_to_watch, its order wins; otherwise campaigns ending sooner
// come first.
func (s *Service) WantedGames() []model.Game {
	campaigns := s.WantedCampaigns()
	cfg := s.store.Get()

	byGame := make(map[string]model.Game)
	earliestEnd := make(map[string]time.Time)
	for _, c := range campaigns {
		name := c.Game.BestName()
		if _, ok := byGame[name]; !ok {
			byGame[name] = c.Game
			earliestEnd[name] = c.EndsAt
		} else if c.EndsAt.Before(earliestEnd[name]) {
			earliestEnd[name] = c.EndsAt
		}
	}

	var out []model.Game
	if len(cfg.GamesToWatch) > 0 {
		for _, name := range cfg.GamesToWatch {
			if game, ok := byGame[name]; ok {
				out = append(out, game)
				delete(byGame, name)
			}
		}
		return out
	}

	names := make([]string, 0, len(byGame))
	for name := range byGame {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if !earliestEnd[names[i]].Equal(earliestEnd[names[j]]) {
			return earliestEnd[names[i]].Before(earliestEnd[names[j]])
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		out = append(out, byGame[name])
	}
	return out
}

// ActiveDropForCampaign picks the drop expected to accrue progress for
// a campaign: the first unclaimed drop whose preconditions are claimed.
func (s *Service) ActiveDropForCampaign(campaignID string) (*model.Drop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	campaign, ok := s.campaigns[campaignID]
	if !ok {
		return nil, false
	}
	drop := campaign.FirstUnclaimedDrop()
	return drop, drop != nil
}

// ActiveDropForGame picks the next wanted drop among wanted campaigns
// for the given game ID, preferring campaigns that end sooner.
func (s *Service) ActiveDropForGame(gameID string) (*model.Campaign, *model.Drop, bool) {
	campaigns := s.WantedCampaigns()
	sort.Slice(campaigns, func(i, j int) bool {
		return campaigns[i].EndsAt.Before(campaigns[j].EndsAt)
	})

	cfg := s.store.Get()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, campaign := range campaigns {
		if campaign.Game.ID != gameID {
			continue
		}
		for _, drop := range campaign.Drops {
			if wantedDrop(campaign, drop, cfg) {
				return campaign, drop, true
			}
		}
	}
	return nil, nil, false
}

// EarliestWantedEnd returns the soonest end time across wanted
// campaigns, used for the ending-soon re-entry boundary.
func (s *Service) EarliestWantedEnd() (time.Time, bool) {
	campaigns := s.WantedCampaigns()
	if len(campaigns) == 0 {
		return time.Time{}, false
	}

	earliest := campaigns[0].EndsAt
	for _, c := range campaigns[1:] {
		if c.EndsAt.Before(earliest) {
			earliest = c.EndsAt
		}
	}
	return earliest, true
}

// WantedItems builds the wanted-items tree for the control surface.
func (s *Service) WantedItems() []events.WantedItem {
	campaigns := s.WantedCampaigns()
	cfg := s.store.Get()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]events.WantedItem, 0, len(campaigns))
	for _, campaign := range campaigns {
		item := events.WantedItem{
			CampaignID:   campaign.ID,
			CampaignName: campaign.Name,
			GameName:     campaign.Game.BestName(),
		}
		for _, drop := range campaign.Drops {
			if wantedDrop(campaign, drop, cfg) {
				item.DropNames = append(item.DropNames, drop.Name)
			}
		}
		out = append(out, item)
	}
	return out
}

// publishBatch emits the batched inventory update.
func (s *Service) publishBatch() {
	s.bus.Publish(events.TypeInventoryBatch, s.Campaigns())
	s.bus.Publish(events.TypeWantedItemsUpdate, s.WantedItems())
}
