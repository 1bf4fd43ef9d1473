package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func liveChannel(id, login, gameID string, viewers int, acl bool) *Channel {
	ch := NewChannel(id, login)
	ch.DropsEnabled = true
	ch.ACLBased = acl
	s := NewStream("b-" + id)
	s.ViewersCount = viewers
	s.Game = Game{ID: gameID, DisplayName: "Game " + gameID}
	ch.SetLive(s)
	return ch
}

func TestBetterPrefersPriorityGameOverViewers(t *testing.T) {
	// games_to_watch = [GameA, GameB]: a tiny GameA channel outranks a
	// huge GameB one.
	gameIndex := map[string]int{"gA": 0, "gB": 1}

	ca := liveChannel("1", "ca", "gA", 10, false)
	cb := liveChannel("2", "cb", "gB", 10000, false)

	assert.True(t, ca.Better(cb, gameIndex))
	assert.False(t, cb.Better(ca, gameIndex))
}

func TestBetterPrefersListedGameOverUnlisted(t *testing.T) {
	gameIndex := map[string]int{"gA": 0}

	listed := liveChannel("1", "listed", "gA", 1, false)
	unlisted := liveChannel("2", "unlisted", "gZ", 9999, false)

	assert.True(t, listed.Better(unlisted, gameIndex))
}

func TestBetterPrefersACLOverDirectory(t *testing.T) {
	gameIndex := map[string]int{"gA": 0}

	aclCh := liveChannel("1", "acl", "gA", 5, true)
	dirCh := liveChannel("2", "dir", "gA", 5000, false)

	assert.True(t, aclCh.Better(dirCh, gameIndex))
}

func TestBetterFallsBackToViewersThenID(t *testing.T) {
	gameIndex := map[string]int{"gA": 0}

	big := liveChannel("9", "big", "gA", 100, false)
	small := liveChannel("1", "small", "gA", 10, false)
	assert.True(t, big.Better(small, gameIndex))

	tied := liveChannel("2", "tied", "gA", 100, false)
	// Same priority, same viewers: smaller ID wins deterministically.
	assert.True(t, tied.Better(big, gameIndex))
	assert.False(t, big.Better(tied, gameIndex))
}

func TestOfflineChannelHasNoViewers(t *testing.T) {
	ch := liveChannel("1", "someone", "gA", 42, false)
	assert.Equal(t, 42, ch.Viewers())

	ch.SetOffline()
	assert.False(t, ch.Online())
	assert.Equal(t, 0, ch.Viewers())
	// Last-seen game survives the offline transition.
	assert.Equal(t, "gA", ch.GameID())
}
