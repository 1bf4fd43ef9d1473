package miner

import (
	"context"
	"encoding/json"

	"github.com/sorren/twitch-drops-harvester/internal/channels"
	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/settings"
)

// Control operations exposed to the external surface. Each maps to one
// inbound command of the control protocol.

// SelectChannel pins mining to a channel (manual mode). Fails when the
// channel is unknown or offline.
func (m *Miner) SelectChannel(id string) error {
	ch, ok := m.chans.Channel(id)
	if !ok {
		return channels.ErrChannelNotFound
	}
	if !ch.Online() {
		return channels.ErrChannelOffline
	}

	m.chans.SetManual(id)
	m.bus.Publish(events.TypeManualModeUpdate, events.ManualModePayload{
		Active:   true,
		GameName: ch.GameName(),
	})
	m.RequestSwitch()
	return nil
}

// ExitManualMode returns to automatic selection.
func (m *Miner) ExitManualMode() {
	m.chans.SetManual("")
	m.bus.Publish(events.TypeManualModeUpdate, events.ManualModePayload{Active: false})
	m.RequestSwitch()
}

// SetSettings merges a settings patch, persists it, and applies the
// side effects (proxy, theme, wanted-games recomputation).
func (m *Miner) SetSettings(patch map[string]json.RawMessage) (settings.Settings, error) {
	next, err := m.store.Update(patch)
	if err != nil {
		return settings.Settings{}, err
	}
	m.applySettings(next)
	return next, nil
}

// VerifyProxy probes a proxy URL without persisting it.
func (m *Miner) VerifyProxy(ctx context.Context, url string) error {
	return m.client.VerifyProxy(ctx, url)
}

// Settings returns the current settings.
func (m *Miner) Settings() settings.Settings {
	return m.store.Get()
}
