package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/model"
)

// runSequence executes one full pass:
// INVENTORY_FETCH → GAMES_UPDATE → CHANNELS_CLEANUP → CHANNELS_FETCH →
// CHANNEL_SWITCH. A phase error aborts the rest of the pass; the loop
// returns to IDLE and later triggers re-enter normally.
func (m *Miner) runSequence(ctx context.Context) error {
	if err := m.phaseInventoryFetch(ctx); err != nil {
		return err
	}
	m.phaseGamesUpdate()
	m.phaseChannelsCleanup(ctx)
	if err := m.phaseChannelsFetch(ctx); err != nil {
		return err
	}
	if err := m.phaseChannelSwitch(ctx); err != nil {
		return err
	}

	m.armEndingSoonTimer()
	return nil
}

// phaseInventoryFetch re-fetches the inventory unless the configured
// floor makes the last fetch still fresh; forced triggers (reload,
// drop claims, ending-soon boundaries) bypass the floor.
func (m *Miner) phaseInventoryFetch(ctx context.Context) error {
	m.setPhase(PhaseInventoryFetch)

	floor := time.Duration(m.store.Get().MinimumRefreshIntervalMinutes) * time.Minute
	forced := m.forceFetch.Swap(false)
	if !forced && !m.inv.LastFetch().IsZero() && time.Since(m.inv.LastFetch()) < floor {
		m.log.Debug("Skipping inventory fetch inside refresh floor",
			"last_fetch", m.inv.LastFetch().Format(time.RFC3339))
		return nil
	}

	m.bus.Status("Fetching inventory")
	if err := m.inv.Fetch(ctx); err != nil {
		return fmt.Errorf("inventory fetch: %w", err)
	}
	m.log.Event(ctx, "CAMPAIGN_SYNC", "Inventory synced",
		"campaigns", len(m.inv.Campaigns()))
	return nil
}

// phaseGamesUpdate recomputes the ordered wanted-games set from the
// campaigns and user settings.
func (m *Miner) phaseGamesUpdate() {
	m.setPhase(PhaseGamesUpdate)

	games := m.inv.WantedGames()

	m.mu.Lock()
	m.wantedGames = games
	m.mu.Unlock()

	payloads := make([]events.GamePayload, 0, len(games))
	for _, g := range games {
		payloads = append(payloads, events.GamePayload{
			ID:      g.ID,
			Name:    g.BestName(),
			IconURL: g.BoxArtURL,
		})
	}
	m.bus.Publish(events.TypeGamesAvailable, payloads)
}

// phaseChannelsCleanup drops channels whose game is no longer wanted.
func (m *Miner) phaseChannelsCleanup(ctx context.Context) {
	m.setPhase(PhaseChannelsCleanup)
	m.chans.Cleanup(ctx, m.snapshotWantedGames())
}

// phaseChannelsFetch fills the working set from campaign allow-lists
// and the game directory.
func (m *Miner) phaseChannelsFetch(ctx context.Context) error {
	m.setPhase(PhaseChannelsFetch)
	m.bus.Status("Discovering channels")

	err := m.chans.Discover(ctx, m.inv.WantedCampaigns(), m.snapshotWantedGames())
	m.chans.PublishBatch()
	if err != nil {
		return fmt.Errorf("channel discovery: %w", err)
	}
	return nil
}

// phaseChannelSwitch picks the best channel and retargets the watcher.
func (m *Miner) phaseChannelSwitch(ctx context.Context) error {
	m.setPhase(PhaseChannelSwitch)

	selected := m.chans.Select(m.snapshotWantedGames())
	if selected == nil {
		m.watch.Watch(ctx, nil, "", "")
		m.chans.SetWatching("")
		m.updateChatPresence("")
		m.bus.Status("No live channels to watch")
		return nil
	}

	// A switch away from the previous channel needs fresh stream info
	// and a beacon before heartbeats start.
	if m.chans.WatchingID() != selected.ID {
		if _, err := m.chans.RefreshStream(ctx, selected.ID); err != nil {
			return fmt.Errorf("refreshing stream for %s: %w", selected.Login, err)
		}
		if !selected.Online() {
			// Went offline between selection and refresh; next trigger
			// will pick a successor.
			m.RequestSwitch()
			return nil
		}
		if _, err := m.chans.ResolveBeacon(ctx, selected.ID); err != nil {
			m.log.Warn("Beacon resolution failed, heartbeats will retry",
				"channel", selected.Login, "error", err)
		}
	}

	campaignID, dropID := "", ""
	if campaign, drop, ok := m.inv.ActiveDropForGame(selected.GameID()); ok {
		campaignID, dropID = campaign.ID, drop.ID
	}

	m.watch.Watch(ctx, selected, campaignID, dropID)
	m.chans.SetWatching(selected.ID)
	m.updateChatPresence(selected.Login)

	manual := m.chans.ManualID() != ""
	m.bus.Publish(events.TypeManualModeUpdate, events.ManualModePayload{
		Active:   manual,
		GameName: selected.GameName(),
	})
	m.bus.Status(fmt.Sprintf("Watching %s (%s)", selected.Login, selected.GameName()))
	return nil
}

func (m *Miner) snapshotWantedGames() []model.Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Game, len(m.wantedGames))
	copy(out, m.wantedGames)
	return out
}

// updateChatPresence joins the watched channel's chat when the setting
// is on, leaving whatever was joined before.
func (m *Miner) updateChatPresence(login string) {
	if m.chat == nil {
		return
	}
	if !m.store.Get().ChatPresence || login == "" {
		m.chat.LeaveAll()
		return
	}
	m.chat.JoinOnly(login)
}
