package inventory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
	"github.com/sorren/twitch-drops-harvester/internal/settings"
)

func testService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.Setup(logger.Config{Colored: false})
	require.NoError(t, err)

	store, err := settings.NewStore(t.TempDir())
	require.NoError(t, err)

	return New(nil, nil, store, events.NewBus(), log)
}

func dashboardFixture() []gql.DashboardCampaign {
	now := time.Now()
	return []gql.DashboardCampaign{
		{
			ID: "c1", Name: "Campaign One", Status: "ACTIVE",
			StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour),
			Linked: true,
			Game:   model.Game{ID: "gA", Name: "gamea", DisplayName: "GameA", Slug: "gamea"},
		},
		{
			ID: "c2", Name: "Campaign Two", Status: "ACTIVE",
			StartAt: now.Add(-time.Hour), EndAt: now.Add(30 * time.Minute),
			Linked: true,
			Game:   model.Game{ID: "gB", Name: "gameb", DisplayName: "GameB", Slug: "gameb"},
		},
	}
}

func detailsFixture() []gql.CampaignDetail {
	return []gql.CampaignDetail{
		{
			ID: "c1",
			AllowChannels: []gql.AllowedChannel{{ID: "ch1", Login: "streamer_one"}},
			Drops: []gql.CampaignDetailDrop{
				{ID: "d1", Name: "First", RequiredMinutes: 30,
					Benefits: []model.Benefit{{ID: "b1", Name: "Skin", Type: model.BenefitItem}}},
				{ID: "d2", Name: "Second", RequiredMinutes: 60, PreconditionIDs: []string{"d1"},
					Benefits: []model.Benefit{{ID: "b2", Name: "Emote", Type: model.BenefitEmote}}},
			},
		},
		{
			ID: "c2",
			Drops: []gql.CampaignDetailDrop{
				{ID: "d3", Name: "Third", RequiredMinutes: 15},
			},
		},
	}
}

func seed(t *testing.T, s *Service) {
	t.Helper()
	newIDs := s.reconcileDashboard(dashboardFixture())
	assert.ElementsMatch(t, []string{"c1", "c2"}, newIDs)
	s.reconcileDetails(detailsFixture())
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := testService(t)
	seed(t, s)

	before := len(s.Campaigns())
	c1, _ := s.Campaign("c1")
	dropsBefore := len(c1.Drops)

	// A second pass with identical data changes nothing.
	newIDs := s.reconcileDashboard(dashboardFixture())
	assert.Empty(t, newIDs)
	s.reconcileDetails(detailsFixture())

	assert.Len(t, s.Campaigns(), before)
	c1Again, _ := s.Campaign("c1")
	assert.Len(t, c1Again.Drops, dropsBefore)
}

func TestReconcileProgressAppliesServerState(t *testing.T) {
	s := testService(t)
	seed(t, s)

	s.reconcileProgress([]gql.InventoryCampaign{
		{ID: "c1", Drops: []gql.InventoryDrop{
			{ID: "d1", CurrentMinutesWatched: 12, DropInstanceID: "inst-1"},
		}},
	})

	_, drop, ok := s.Find("d1")
	require.True(t, ok)
	assert.Equal(t, 12, drop.CurrentMinutes)
	assert.Equal(t, "inst-1", drop.InstanceID)
}

func TestAuthoritativeReportWinsOverBumps(t *testing.T) {
	s := testService(t)
	seed(t, s)

	base := time.Now()
	_, _, applied := s.ReportProgress("d1", 10, base)
	require.True(t, applied)

	s.BumpMinute("d1")
	s.BumpMinute("d1")
	_, drop, _ := s.Find("d1")
	assert.Equal(t, 12, drop.CurrentMinutes)

	// Later timestamp wins even when the value regresses.
	_, _, applied = s.ReportProgress("d1", 11, base.Add(time.Minute))
	require.True(t, applied)
	assert.Equal(t, 11, drop.CurrentMinutes)

	// Older tuple is ignored.
	_, _, applied = s.ReportProgress("d1", 99, base)
	assert.False(t, applied)
	assert.Equal(t, 11, drop.CurrentMinutes)
}

func TestWantedGamesHonorsPriorityOrder(t *testing.T) {
	s := testService(t)
	seed(t, s)

	_, err := s.store.Update(map[string]json.RawMessage{
		"games_to_watch": json.RawMessage(`["GameB","GameA"]`),
	})
	require.NoError(t, err)

	games := s.WantedGames()
	require.Len(t, games, 2)
	assert.Equal(t, "GameB", games[0].BestName())
	assert.Equal(t, "GameA", games[1].BestName())
}

func TestWantedGamesEmptyListAllowsAllByEndTime(t *testing.T) {
	s := testService(t)
	seed(t, s)

	games := s.WantedGames()
	require.Len(t, games, 2)
	// c2 (GameB) ends sooner, so GameB leads.
	assert.Equal(t, "GameB", games[0].BestName())
}

func TestBenefitGateExcludesCampaigns(t *testing.T) {
	s := testService(t)
	seed(t, s)

	// Claim d3 so c2 has nothing left, then gate ITEM and EMOTE so c1's
	// drops are all unwanted.
	s.MarkClaimedByServer("d3")
	_, err := s.store.Update(map[string]json.RawMessage{
		"mining_benefits": json.RawMessage(`{"ITEM":false,"EMOTE":false}`),
	})
	require.NoError(t, err)

	assert.Empty(t, s.WantedCampaigns())
}

func TestActiveDropForGameRespectsPreconditions(t *testing.T) {
	s := testService(t)
	seed(t, s)

	campaign, drop, ok := s.ActiveDropForGame("gA")
	require.True(t, ok)
	assert.Equal(t, "c1", campaign.ID)
	assert.Equal(t, "d1", drop.ID, "d2 is precondition-blocked")

	s.MarkClaimedByServer("d1")

	_, drop, ok = s.ActiveDropForGame("gA")
	require.True(t, ok)
	assert.Equal(t, "d2", drop.ID)
}

func TestUnlinkedCampaignIsNotWanted(t *testing.T) {
	s := testService(t)

	dashboard := dashboardFixture()
	dashboard[0].Linked = false
	s.reconcileDashboard(dashboard)
	s.reconcileDetails(detailsFixture())

	for _, c := range s.WantedCampaigns() {
		assert.NotEqual(t, "c1", c.ID)
	}
}

func TestEarliestWantedEnd(t *testing.T) {
	s := testService(t)
	seed(t, s)

	end, ok := s.EarliestWantedEnd()
	require.True(t, ok)

	c2, _ := s.Campaign("c2")
	assert.True(t, end.Equal(c2.EndsAt))
}

func TestExpiredCampaignsRemainForHistory(t *testing.T) {
	s := testService(t)
	seed(t, s)

	dashboard := dashboardFixture()
	dashboard[1].EndAt = time.Now().Add(-time.Minute)
	dashboard[1].StartAt = time.Now().Add(-time.Hour)
	s.reconcileDashboard(dashboard)

	assert.Len(t, s.Campaigns(), 2, "expired campaigns stay in the collection")
	assert.Empty(t, filterByID(s.WantedCampaigns(), "c2"))
}

func filterByID(campaigns []*model.Campaign, id string) []*model.Campaign {
	var out []*model.Campaign
	for _, c := range campaigns {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}
