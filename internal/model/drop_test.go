package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportMinutesClampsToRange(t *testing.T) {
	d := NewDrop("d1", "c1", "Drop One", 5)

	require.NoError(t, d.ReportMinutes(3, time.Now()))
	assert.Equal(t, 3, d.CurrentMinutes)

	require.NoError(t, d.ReportMinutes(99, time.Now().Add(time.Second)))
	assert.Equal(t, 5, d.CurrentMinutes)

	require.NoError(t, d.ReportMinutes(-1, time.Now().Add(2*time.Second)))
	assert.Equal(t, 0, d.CurrentMinutes)
}

func TestReportMinutesRejectsStaleTuples(t *testing.T) {
	d := NewDrop("d1", "c1", "Drop One", 10)
	now := time.Now()

	require.NoError(t, d.ReportMinutes(4, now))
	assert.Error(t, d.ReportMinutes(7, now))
	assert.Error(t, d.ReportMinutes(7, now.Add(-time.Minute)))
	assert.Equal(t, 4, d.CurrentMinutes)
}

func TestAuthoritativeRegressionIsLegal(t *testing.T) {
	d := NewDrop("d1", "c1", "Drop One", 10)
	now := time.Now()

	require.NoError(t, d.ReportMinutes(4, now))
	d.BumpMinute()
	d.BumpMinute()
	assert.Equal(t, 6, d.CurrentMinutes)

	// A newer server report snaps the value down.
	require.NoError(t, d.ReportMinutes(5, now.Add(time.Minute)))
	assert.Equal(t, 5, d.CurrentMinutes)
}

func TestBumpMinuteCapsAtRequired(t *testing.T) {
	d := NewDrop("d1", "c1", "Drop One", 2)
	d.BumpMinute()
	d.BumpMinute()
	d.BumpMinute()
	assert.Equal(t, 2, d.CurrentMinutes)
	assert.True(t, d.IsComplete())
}

func TestMarkClaimedIsMonotonicAndPinsMinutes(t *testing.T) {
	d := NewDrop("d1", "c1", "Drop One", 5)
	require.NoError(t, d.ReportMinutes(5, time.Now()))
	assert.True(t, d.CanClaim())

	d.MarkClaimed()
	assert.True(t, d.IsClaimed)
	assert.Equal(t, 5, d.CurrentMinutes)
	assert.False(t, d.CanClaim())

	d.MarkClaimed()
	assert.True(t, d.IsClaimed)
}

func newChainCampaign(t *testing.T) *Campaign {
	t.Helper()
	c := NewCampaign("c1", "Chained", Game{ID: "g1", DisplayName: "GameA"},
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	d1 := NewDrop("d1", "c1", "First", 5)
	d2 := NewDrop("d2", "c1", "Second", 5)
	d2.PreconditionID = "d1"
	d3 := NewDrop("d3", "c1", "Third", 5)
	d3.PreconditionID = "d2"
	c.Drops = append(c.Drops, d1, d2, d3)
	return c
}

func TestPreconditionChain(t *testing.T) {
	c := newChainCampaign(t)

	met, err := c.PreconditionsMet("d1")
	require.NoError(t, err)
	assert.True(t, met)

	met, err = c.PreconditionsMet("d2")
	require.NoError(t, err)
	assert.False(t, met)

	c.Drop("d1").MarkClaimed()

	met, err = c.PreconditionsMet("d2")
	require.NoError(t, err)
	assert.True(t, met)

	// d3 stays blocked until d2 is claimed even though d1 is done.
	met, err = c.PreconditionsMet("d3")
	require.NoError(t, err)
	assert.False(t, met)
}

func TestPreconditionCycleRejected(t *testing.T) {
	c := newChainCampaign(t)
	c.Drop("d1").PreconditionID = "d3"

	_, err := c.PreconditionsMet("d3")
	assert.Error(t, err)
}

func TestFirstUnclaimedDropFollowsChainOrder(t *testing.T) {
	c := newChainCampaign(t)

	drop := c.FirstUnclaimedDrop()
	require.NotNil(t, drop)
	assert.Equal(t, "d1", drop.ID)

	c.Drop("d1").MarkClaimed()
	drop = c.FirstUnclaimedDrop()
	require.NotNil(t, drop)
	assert.Equal(t, "d2", drop.ID)
}

func TestCampaignStatusDerivation(t *testing.T) {
	now := time.Now()
	c := NewCampaign("c1", "Windowed", Game{}, now.Add(-time.Hour), now.Add(time.Hour))

	assert.Equal(t, CampaignUpcoming, c.StatusAt(now.Add(-2*time.Hour)))
	assert.Equal(t, CampaignActive, c.StatusAt(now))
	assert.Equal(t, CampaignExpired, c.StatusAt(now.Add(2*time.Hour)))
}

func TestNewCampaignSwapsReversedBounds(t *testing.T) {
	now := time.Now()
	c := NewCampaign("c1", "Reversed", Game{}, now.Add(time.Hour), now.Add(-time.Hour))
	assert.True(t, c.StartsAt.Before(c.EndsAt))
}

func TestAllowsChannel(t *testing.T) {
	c := NewCampaign("c1", "ACL", Game{}, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	assert.True(t, c.AllowsChannel("anything"), "directory campaigns allow everyone")

	c.AllowList = []string{"ch1", "ch2"}
	assert.True(t, c.ACLBased())
	assert.True(t, c.AllowsChannel("ch1"))
	assert.False(t, c.AllowsChannel("ch3"))
}
