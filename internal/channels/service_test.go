package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
	"github.com/sorren/twitch-drops-harvester/internal/pubsub"
)

type tokenStub struct{}

func (tokenStub) AuthToken() string { return "token" }

func testService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.Setup(logger.Config{Colored: false})
	require.NoError(t, err)

	return New(nil, pubsub.NewPool(tokenStub{}, log), events.NewBus(), log)
}

func track(s *Service, id, login, gameID string, viewers int, acl bool) *model.Channel {
	ch := model.NewChannel(id, login)
	ch.DropsEnabled = true
	ch.ACLBased = acl
	stream := model.NewStream("b-" + id)
	stream.ViewersCount = viewers
	stream.Game = model.Game{ID: gameID, DisplayName: "Game " + gameID}
	ch.SetLive(stream)

	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()
	return ch
}

func gamesList(ids ...string) []model.Game {
	out := make([]model.Game, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Game{ID: id, DisplayName: "Game " + id})
	}
	return out
}

func TestSelectRespectsGamePriority(t *testing.T) {
	s := testService(t)
	track(s, "1", "ca", "gA", 10, false)
	track(s, "2", "cb", "gB", 10000, false)

	selected := s.Select(gamesList("gA", "gB"))
	require.NotNil(t, selected)
	assert.Equal(t, "ca", selected.Login)
}

func TestSelectSkipsOfflineChannels(t *testing.T) {
	s := testService(t)
	ca := track(s, "1", "ca", "gA", 10, false)
	track(s, "2", "cb", "gB", 100, false)

	ca.SetOffline()

	selected := s.Select(gamesList("gA", "gB"))
	require.NotNil(t, selected)
	assert.Equal(t, "cb", selected.Login)
}

func TestSelectManualModeWinsWhileOnline(t *testing.T) {
	s := testService(t)
	track(s, "1", "ca", "gA", 10, false)
	cc := track(s, "3", "cc", "gZ", 1, false)

	s.SetManual("3")
	selected := s.Select(gamesList("gA"))
	require.NotNil(t, selected)
	assert.Equal(t, "cc", selected.Login)

	// Offline manual channel falls back to automatic selection.
	cc.SetOffline()
	selected = s.Select(gamesList("gA"))
	require.NotNil(t, selected)
	assert.Equal(t, "ca", selected.Login)

	s.SetManual("")
	selected = s.Select(gamesList("gA"))
	assert.Equal(t, "ca", selected.Login)
}

func TestSetWatchingIsExclusive(t *testing.T) {
	s := testService(t)
	ca := track(s, "1", "ca", "gA", 10, false)
	cb := track(s, "2", "cb", "gA", 20, false)

	s.SetWatching("1")
	assert.True(t, ca.Watching)
	assert.Equal(t, "1", s.WatchingID())

	s.SetWatching("2")
	assert.False(t, ca.Watching)
	assert.True(t, cb.Watching)

	watching := 0
	for _, ch := range s.Channels() {
		if ch.Watching {
			watching++
		}
	}
	assert.Equal(t, 1, watching)

	s.SetWatching("")
	assert.False(t, cb.Watching)
	assert.Empty(t, s.WatchingID())
}

func TestCleanupRemovesUnwantedChannels(t *testing.T) {
	s := testService(t)
	track(s, "1", "wanted", "gA", 10, false)
	track(s, "2", "wrong_game", "gZ", 10, false)
	offline := track(s, "3", "offline", "gA", 10, false)
	offline.SetOffline()

	s.Cleanup(context.Background(), gamesList("gA"))

	assert.Equal(t, 1, s.Count())
	_, ok := s.Channel("1")
	assert.True(t, ok)
}

func TestCleanupClearsWatchingOnRemoval(t *testing.T) {
	s := testService(t)
	track(s, "1", "doomed", "gZ", 10, false)
	s.SetWatching("1")

	s.Cleanup(context.Background(), gamesList("gA"))

	assert.Empty(t, s.WatchingID())
	assert.Equal(t, 0, s.Count())
}

func TestHandleStreamStateTransitions(t *testing.T) {
	s := testService(t)
	ch := track(s, "1", "ca", "gA", 10, false)

	fired := 0
	s.SetChannelEventFunc(func() { fired++ })

	// Offline transition posts a re-selection request.
	s.HandleStreamState(context.Background(), &model.StreamStateEvent{ChannelID: "1", Online: false})
	assert.False(t, ch.Online())
	assert.Equal(t, 1, fired)

	// Back online.
	s.HandleStreamState(context.Background(), &model.StreamStateEvent{ChannelID: "1", Online: true})
	assert.True(t, ch.Online())
	assert.Equal(t, 2, fired)

	// Viewcount ticks update viewers without re-selection.
	s.HandleStreamState(context.Background(), &model.StreamStateEvent{
		ChannelID: "1", Online: true, ViewCountOnly: true, Viewers: 555,
	})
	assert.Equal(t, 555, ch.Viewers())
	assert.Equal(t, 2, fired)
}

func TestHandleStreamUpdateGameChangeTriggersReselection(t *testing.T) {
	s := testService(t)
	ch := track(s, "1", "ca", "gA", 10, false)

	fired := 0
	s.SetChannelEventFunc(func() { fired++ })

	s.HandleStreamUpdate(context.Background(), &model.StreamUpdateEvent{
		ChannelID: "1", Title: "new title",
	})
	assert.Equal(t, 0, fired, "title-only update does not reselect")

	s.HandleStreamUpdate(context.Background(), &model.StreamUpdateEvent{
		ChannelID: "1", GameID: "gB", GameName: "GameB",
	})
	assert.Equal(t, "gB", ch.GameID())
	assert.Equal(t, 1, fired)
}
