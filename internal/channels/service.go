// Package channels maintains the working set of tracked channels:
// discovery through campaign allow-lists and the game directory,
// cleanup of unwanted channels, live/offline bookkeeping from real-time
// events, and the watched-channel selection order.
package channels

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
	"github.com/sorren/twitch-drops-harvester/internal/pubsub"
)

// Service owns the tracked-channel collection (hard cap MaxChannels).
// It subscribes channel topics on add and unsubscribes on remove, and
// enforces that at most one channel is marked watching.
type Service struct {
	mu sync.RWMutex

	channels map[string]*model.Channel

	watchingID string
	manualID   string

	client *gql.Client
	pool   *pubsub.Pool
	bus    *events.Bus
	log    *logger.Logger

	// onChannelEvent asks the state machine for a re-selection pass;
	// installed once by the miner before events flow.
	onChannelEvent func()
}

// New creates a channel Service.
func New(client *gql.Client, pool *pubsub.Pool, bus *events.Bus, log *logger.Logger) *Service {
	return &Service{
		channels: make(map[string]*model.Channel),
		client:   client,
		pool:     pool,
		bus:      bus,
		log:      log,
	}
}

// SetChannelEventFunc installs the re-selection trigger callback.
func (s *Service) SetChannelEventFunc(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChannelEvent = fn
}

// Channel returns a tracked channel by ID.
func (s *Service) Channel(id string) (*model.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// Channels returns a snapshot of the tracked channels sorted by ID.
func (s *Service) Channels() []*model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of tracked channels.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Discover fills the working set: first the allow-lists of active
// ACL-based campaigns (probed for live channels), then the directory of
// every wanted game that still has room, up to the channel cap.
func (s *Service) Discover(ctx context.Context, campaigns []*model.Campaign, wantedGames []model.Game) error {
	if err := s.discoverACL(ctx, campaigns); err != nil {
		return err
	}
	return s.discoverDirectory(ctx, wantedGames)
}

// discoverACL probes every allow-listed channel of active ACL-based
// campaigns with a bounded worker fan-out and adds the online ones.
func (s *Service) discoverACL(ctx context.Context, campaigns []*model.Campaign) error {
	type probe struct {
		id    string
		login string
	}

	var probes []probe
	seen := make(map[string]bool)
	for _, campaign := range campaigns {
		if !campaign.ACLBased() || campaign.Status() != model.CampaignActive {
			continue
		}
		for _, channelID := range campaign.AllowList {
			if seen[channelID] || s.has(channelID) {
				seen[channelID] = true
				continue
			}
			seen[channelID] = true
			probes = append(probes, probe{id: channelID, login: campaign.AllowLogins[channelID]})
		}
	}

	if len(probes) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.StartupWorkers)

	var mu sync.Mutex
	var online []*model.Channel

	for _, pr := range probes {
		pr := pr
		g.Go(func() error {
			if pr.login == "" {
				return nil
			}
			info, err := s.client.GetStreamInfo(ctx, pr.login)
			if err != nil {
				s.log.Debug("ACL probe failed", "channel", pr.login, "error", err)
				return nil
			}
			if !info.Live {
				return nil
			}

			ch := model.NewChannel(pr.id, pr.login)
			ch.ACLBased = true
			ch.DropsEnabled = true
			stream := model.NewStream(info.BroadcastID)
			stream.Title = info.Title
			stream.ViewersCount = info.ViewersCount
			stream.Game = info.Game
			stream.DropsEnabled = true
			ch.SetLive(stream)

			mu.Lock()
			online = append(online, ch)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, ch := range online {
		s.add(ctx, ch)
	}
	return nil
}

// discoverDirectory pages each wanted game's directory of live
// drops-enabled channels until the channel cap is reached. The
// priority order of wantedGames decides who gets the remaining room.
func (s *Service) discoverDirectory(ctx context.Context, wantedGames []model.Game) error {
	for _, game := range wantedGames {
		if s.Count() >= constants.MaxChannels {
			s.log.Debug("Channel cap reached, stopping directory discovery",
				"cap", constants.MaxChannels)
			return nil
		}
		slug := game.Slug
		if slug == "" {
			continue
		}

		cursor := ""
		for {
			page, err := s.client.GetDirectoryStreams(ctx, slug, cursor, 30)
			if err != nil {
				s.log.Warn("Directory query failed", "game", game.BestName(), "error", err)
				break
			}

			for _, ds := range page.Streams {
				if s.Count() >= constants.MaxChannels {
					return nil
				}
				if s.has(ds.ChannelID) {
					continue
				}

				ch := model.NewChannel(ds.ChannelID, ds.Login)
				ch.DisplayName = ds.DisplayName
				ch.DropsEnabled = true
				stream := model.NewStream("")
				stream.ViewersCount = ds.ViewersCount
				stream.Game = ds.Game
				stream.DropsEnabled = true
				if stream.Game.ID == "" {
					stream.Game = game
				}
				ch.SetLive(stream)

				s.add(ctx, ch)
			}

			if !page.HasNextPage || page.Cursor == "" {
				break
			}
			cursor = page.Cursor
		}
	}
	return nil
}

// Cleanup removes every channel whose current game is not wanted. A
// wanted channel is live and playing a wanted game.
func (s *Service) Cleanup(ctx context.Context, wantedGames []model.Game) {
	wanted := make(map[string]bool, len(wantedGames))
	for _, g := range wantedGames {
		wanted[g.ID] = true
	}

	s.mu.Lock()
	var remove []*model.Channel
	for _, ch := range s.channels {
		if !ch.Online() || !wanted[ch.GameID()] {
			remove = append(remove, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range remove {
		s.Remove(ctx, ch.ID)
	}
}

// Remove drops a channel from the working set and unsubscribes its
// topics. The watching flag is cleared if it pointed here.
func (s *Service) Remove(ctx context.Context, channelID string) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.channels, channelID)
	if s.watchingID == channelID {
		s.watchingID = ""
		ch.Watching = false
	}
	s.mu.Unlock()

	if err := s.pool.UnsubscribeChannel(ctx, channelID); err != nil {
		s.log.Warn("Failed to unsubscribe channel topics",
			"channel", ch.Login, "error", err)
	}

	s.bus.Publish(events.TypeChannelRemove, events.NewChannelPayload(ch))
	s.log.Info("➖ Removed", "channel", ch.Login, "game", ch.GameName())
}

// PublishBatch emits the channels_batch_update event.
func (s *Service) PublishBatch() {
	list := s.Channels()
	payloads := make([]events.ChannelPayload, 0, len(list))
	for _, ch := range list {
		payloads = append(payloads, events.NewChannelPayload(ch))
	}
	s.bus.Publish(events.TypeChannelsBatch, payloads)
}

// Select picks the channel to watch under the spec's tie-break order.
// Manual mode wins while its channel stays online. Returns nil when no
// candidate is live.
func (s *Service) Select(gamesPriority []model.Game) *model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.manualID != "" {
		if manual, ok := s.channels[s.manualID]; ok && manual.Online() {
			return manual
		}
	}

	gameIndex := make(map[string]int, len(gamesPriority))
	for i, g := range gamesPriority {
		gameIndex[g.ID] = i
	}

	var best *model.Channel
	for _, ch := range s.channels {
		if !ch.Online() || !ch.DropsEnabled {
			continue
		}
		if best == nil || ch.Better(best, gameIndex) {
			best = ch
		}
	}
	return best
}

// SetWatching marks the given channel as watched, clearing the flag
// elsewhere. Empty id clears the watching state entirely.
func (s *Service) SetWatching(channelID string) {
	s.mu.Lock()

	if s.watchingID == channelID {
		s.mu.Unlock()
		return
	}

	if prev, ok := s.channels[s.watchingID]; ok {
		prev.Watching = false
	}
	s.watchingID = channelID

	var current *model.Channel
	if channelID != "" {
		if ch, ok := s.channels[channelID]; ok {
			ch.Watching = true
			current = ch
		}
	}
	s.mu.Unlock()

	if current != nil {
		s.bus.Publish(events.TypeChannelWatching, events.ChannelWatchingPayload{ID: channelID})
	} else {
		s.bus.Publish(events.TypeChannelWatchingClr, nil)
	}
}

// WatchingID returns the currently watched channel ID, empty if none.
func (s *Service) WatchingID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watchingID
}

// SetManual pins selection to a channel (manual mode); empty unpins.
func (s *Service) SetManual(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualID = channelID
}

// ManualID returns the manually selected channel ID, empty in
// automatic mode.
func (s *Service) ManualID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualID
}

// HandleStreamState applies a stream up/down or viewcount event and
// posts a re-selection request for online/offline transitions.
func (s *Service) HandleStreamState(ctx context.Context, ev *model.StreamStateEvent) {
	s.mu.Lock()
	ch, ok := s.channels[ev.ChannelID]
	if !ok {
		s.mu.Unlock()
		return
	}

	transitioned := false
	switch {
	case ev.ViewCountOnly:
		if ch.Stream != nil {
			ch.Stream.ViewersCount = ev.Viewers
		}
	case ev.Online:
		if !ch.Online() {
			ch.SetLive(model.NewStream(""))
			transitioned = true
		}
	default:
		if ch.Online() {
			ch.SetOffline()
			transitioned = true
		}
	}
	fn := s.onChannelEvent
	s.mu.Unlock()

	if transitioned {
		if ev.Online {
			s.log.Event(ctx, "CHANNEL_ONLINE", "Channel went live", "channel", ch.Login)
		} else {
			s.log.Event(ctx, "CHANNEL_OFFLINE", "Channel went offline", "channel", ch.Login)
		}
	}

	s.bus.Publish(events.TypeChannelUpdate, events.NewChannelPayload(ch))

	if transitioned && fn != nil {
		fn()
	}
}

// HandleStreamUpdate applies a broadcast metadata refresh and posts a
// re-selection request when the game changed.
func (s *Service) HandleStreamUpdate(ctx context.Context, ev *model.StreamUpdateEvent) {
	s.mu.Lock()
	ch, ok := s.channels[ev.ChannelID]
	if !ok {
		s.mu.Unlock()
		return
	}

	gameChanged := false
	if ch.Stream != nil {
		if ev.Title != "" {
			ch.Stream.Title = ev.Title
		}
		if ev.GameID != "" && ev.GameID != ch.GameID() {
			gameChanged = true
			game := model.Game{ID: ev.GameID, Name: ev.GameName, DisplayName: ev.GameName}
			ch.Stream.Game = game
			ch.Game = &game
		}
	}
	fn := s.onChannelEvent
	s.mu.Unlock()

	s.bus.Publish(events.TypeChannelUpdate, events.NewChannelPayload(ch))

	if gameChanged && fn != nil {
		fn()
	}
}

// RefreshStream re-probes a channel's stream info, refreshing broadcast
// ID, viewers and game. Used before watching starts and when a beacon
// goes stale.
func (s *Service) RefreshStream(ctx context.Context, channelID string) (*model.Channel, error) {
	s.mu.RLock()
	ch, ok := s.channels[channelID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrChannelNotFound
	}

	info, err := s.client.GetStreamInfo(ctx, ch.Login)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !info.Live {
		ch.SetOffline()
	} else {
		stream := ch.Stream
		if stream == nil {
			stream = model.NewStream(info.BroadcastID)
			ch.SetLive(stream)
		}
		stream.BroadcastID = info.BroadcastID
		stream.Title = info.Title
		stream.ViewersCount = info.ViewersCount
		if info.Game.ID != "" {
			stream.Game = info.Game
			game := info.Game
			ch.Game = &game
		}
	}
	s.mu.Unlock()

	s.bus.Publish(events.TypeChannelUpdate, events.NewChannelPayload(ch))
	return ch, nil
}

// ResolveBeacon refreshes the channel's beacon URL from the platform.
func (s *Service) ResolveBeacon(ctx context.Context, channelID string) (string, error) {
	s.mu.RLock()
	ch, ok := s.channels[channelID]
	s.mu.RUnlock()
	if !ok {
		return "", ErrChannelNotFound
	}

	url, err := s.client.GetBeaconURL(ctx, ch.Login)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if ch.Stream != nil {
		ch.Stream.RefreshBeacon(url)
	}
	s.mu.Unlock()
	return url, nil
}

func (s *Service) has(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channelID]
	return ok
}

// add inserts a channel, subscribes its topics and emits channel_add.
// The cap is re-checked under the lock.
func (s *Service) add(ctx context.Context, ch *model.Channel) {
	s.mu.Lock()
	if len(s.channels) >= constants.MaxChannels {
		s.mu.Unlock()
		return
	}
	if _, exists := s.channels[ch.ID]; exists {
		s.mu.Unlock()
		return
	}
	s.channels[ch.ID] = ch
	s.mu.Unlock()

	var topics []model.Topic
	for _, kind := range model.ChannelTopicKinds() {
		topics = append(topics, model.NewTopic(kind, ch.ID))
	}
	if err := s.pool.Subscribe(ctx, topics); err != nil {
		s.log.Warn("Failed to subscribe channel topics",
			"channel", ch.Login, "error", err)
	}

	s.bus.Publish(events.TypeChannelAdd, events.NewChannelPayload(ch))
	s.log.Info("➕ Added", "channel", ch.Login, "game", ch.GameName(), "acl", ch.ACLBased)
}
