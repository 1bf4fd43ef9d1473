package model

import (
	"fmt"
)

// Channel is a tracked broadcaster. A channel without a Stream is
// offline and has no viewer count. At most one channel across the
// process has Watching set; the owning collection enforces it.
type Channel struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name,omitempty"`

	Game *Game `json:"game,omitempty"`

	DropsEnabled bool `json:"drops_enabled"`

	// ACLBased marks channels sourced from a campaign allow-list rather
	// than a directory query.
	ACLBased bool `json:"acl_based"`

	Stream *Stream `json:"stream,omitempty"`

	Watching bool `json:"watching"`
}

// NewChannel creates an offline Channel.
func NewChannel(id, login string) *Channel {
	return &Channel{ID: id, Login: login}
}

// Online reports whether a live stream is attached.
func (ch *Channel) Online() bool {
	return ch.Stream != nil
}

// Viewers returns the stream viewer count, zero when offline.
func (ch *Channel) Viewers() int {
	if ch.Stream == nil {
		return 0
	}
	return ch.Stream.ViewersCount
}

// GameID returns the current game's ID, empty when unknown.
func (ch *Channel) GameID() string {
	if ch.Game == nil {
		return ""
	}
	return ch.Game.ID
}

// GameName returns the current game's best name, empty when unknown.
func (ch *Channel) GameName() string {
	return ch.Game.BestName()
}

// SetLive attaches a stream; SetOffline detaches it.
func (ch *Channel) SetLive(s *Stream) {
	ch.Stream = s
	if s != nil && s.Game.ID != "" {
		game := s.Game
		ch.Game = &game
	}
}

// SetOffline detaches the stream. A channel that goes offline keeps its
// last-seen game so cleanup decisions stay stable.
func (ch *Channel) SetOffline() {
	ch.Stream = nil
}

// URL returns the channel's public page URL.
func (ch *Channel) URL() string {
	return fmt.Sprintf("https://www.twitch.tv/%s", ch.Login)
}

// String returns a human-readable representation of the channel.
func (ch *Channel) String() string {
	return fmt.Sprintf("Channel(id=%s, login=%s, game=%s, online=%t, viewers=%d)",
		ch.ID, ch.Login, ch.GameName(), ch.Online(), ch.Viewers())
}

// Better reports whether ch outranks other for automatic selection:
// smaller wanted-game index first, then ACL-based over directory-based,
// then higher viewer count, then lexicographically smaller ID so the
// order is deterministic. gameIndex maps game IDs to their position in
// the user's priority list; missing games rank after listed ones.
func (ch *Channel) Better(other *Channel, gameIndex map[string]int) bool {
	if other == nil {
		return true
	}

	ci, cok := gameIndex[ch.GameID()]
	oi, ook := gameIndex[other.GameID()]
	if cok != ook {
		return cok
	}
	if cok && ook && ci != oi {
		return ci < oi
	}

	if ch.ACLBased != other.ACLBased {
		return ch.ACLBased
	}

	if ch.Viewers() != other.Viewers() {
		return ch.Viewers() > other.Viewers()
	}

	return ch.ID < other.ID
}
