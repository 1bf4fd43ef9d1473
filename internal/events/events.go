// Package events defines the outbound event vocabulary of the harvester
// and the bus that fans events out to the control surface. Background
// tasks publish here instead of touching UI transports directly.
package events

import (
	"encoding/json"

	"github.com/sorren/twitch-drops-harvester/internal/model"
)

// Outbound event types. The payload layouts are fixed; the control
// surface serializes each event as {"type": Type, "data": Data}.
const (
	TypeStatusUpdate  = "status_update"
	TypeConsoleOutput = "console_output"

	TypeChannelAdd         = "channel_add"
	TypeChannelUpdate      = "channel_update"
	TypeChannelRemove      = "channel_remove"
	TypeChannelsBatch      = "channels_batch_update"
	TypeChannelsClear      = "channels_clear"
	TypeChannelWatching    = "channel_watching"
	TypeChannelWatchingClr = "channel_watching_clear"

	TypeCampaignAdd    = "campaign_add"
	TypeInventoryBatch = "inventory_batch_update"
	TypeInventoryClear = "inventory_clear"
	TypeDropUpdate     = "drop_update"

	TypeDropProgress     = "drop_progress"
	TypeDropProgressStop = "drop_progress_stop"

	TypeLoginRequired     = "login_required"
	TypeOAuthCodeRequired = "oauth_code_required"
	TypeLoginStatus       = "login_status"

	TypeSettingsUpdated   = "settings_updated"
	TypeGamesAvailable    = "games_available"
	TypeManualModeUpdate  = "manual_mode_update"
	TypeWantedItemsUpdate = "wanted_items_update"
	TypeThemeChange       = "theme_change"

	TypeAttentionRequired = "attention_required"
)

// Event is one outbound bus message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// MarshalFrame serializes the event for a push transport.
func (e Event) MarshalFrame() ([]byte, error) {
	return json.Marshal(e)
}

// StatusPayload is the single-line status summary.
type StatusPayload struct {
	Status string `json:"status"`
}

// ConsolePayload is one console stream line.
type ConsolePayload struct {
	Line string `json:"line"`
}

// ChannelPayload describes one channel row for the UI.
type ChannelPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Game         string `json:"game"`
	GameID       string `json:"game_id"`
	GameIcon     string `json:"game_icon,omitempty"`
	Viewers      int    `json:"viewers"`
	Online       bool   `json:"online"`
	DropsEnabled bool   `json:"drops_enabled"`
	ACLBased     bool   `json:"acl_based"`
	Watching     bool   `json:"watching"`
}

// NewChannelPayload projects a model channel onto the wire layout.
func NewChannelPayload(ch *model.Channel) ChannelPayload {
	name := ch.DisplayName
	if name == "" {
		name = ch.Login
	}
	icon := ""
	if ch.Game != nil {
		icon = ch.Game.BoxArtURL
	}
	return ChannelPayload{
		ID:           ch.ID,
		Name:         name,
		Game:         ch.GameName(),
		GameID:       ch.GameID(),
		GameIcon:     icon,
		Viewers:      ch.Viewers(),
		Online:       ch.Online(),
		DropsEnabled: ch.DropsEnabled,
		ACLBased:     ch.ACLBased,
		Watching:     ch.Watching,
	}
}

// ChannelWatchingPayload names the currently watched channel.
type ChannelWatchingPayload struct {
	ID string `json:"id"`
}

// DropUpdatePayload carries a single drop refresh.
type DropUpdatePayload struct {
	CampaignID string      `json:"campaign_id"`
	Drop       *model.Drop `json:"drop"`
}

// DropProgressPayload is the per-tick mining progress snapshot.
type DropProgressPayload struct {
	DropID           string `json:"drop_id"`
	CampaignID       string `json:"campaign_id"`
	CampaignName     string `json:"campaign_name"`
	GameName         string `json:"game_name"`
	DropName         string `json:"drop_name"`
	CurrentMinutes   int    `json:"current_minutes"`
	RequiredMinutes  int    `json:"required_minutes"`
	Progress         int    `json:"progress"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// OAuthCodePayload carries the device-code login prompt.
type OAuthCodePayload struct {
	URL  string `json:"url"`
	Code string `json:"code"`
}

// LoginStatusPayload reports the authentication state.
type LoginStatusPayload struct {
	LoggedIn bool   `json:"logged_in"`
	UserID   string `json:"user_id,omitempty"`
}

// ManualModePayload reports manual-mode state.
type ManualModePayload struct {
	Active   bool   `json:"active"`
	GameName string `json:"game_name,omitempty"`
}

// AttentionPayload flags states that need user input.
type AttentionPayload struct {
	Reason string `json:"reason"`
	Sound  bool   `json:"sound"`
}

// GamePayload describes one selectable game.
type GamePayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

// WantedItem is one node of the wanted-items tree: a campaign with the
// drops currently considered mineable.
type WantedItem struct {
	CampaignID   string   `json:"campaign_id"`
	CampaignName string   `json:"campaign_name"`
	GameName     string   `json:"game_name"`
	DropNames    []string `json:"drop_names"`
}
