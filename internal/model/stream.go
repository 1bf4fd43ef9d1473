package model

import (
	"fmt"
	"time"
)

// Stream is the live broadcast currently attached to a channel.
// The beacon URL is opaque and refreshed only by RefreshBeacon, which
// the channel service calls when it resolves the beacon from the
// channel page; stream-info responses do not update it.
type Stream struct {
	BroadcastID  string `json:"broadcast_id"`
	Title        string `json:"title,omitempty"`
	ViewersCount int    `json:"viewers_count"`

	// BeaconURL receives the minute-watched heartbeat POSTs.
	BeaconURL string `json:"-"`

	// DropsEnabled is set by channel discovery for ACL-listed and
	// drops-filtered directory channels; no badge check is made.
	DropsEnabled bool `json:"drops_enabled"`

	Game Game `json:"game"`

	fetchedAt time.Time
}

// NewStream creates a Stream stamped with the current time.
func NewStream(broadcastID string) *Stream {
	return &Stream{BroadcastID: broadcastID, fetchedAt: time.Now()}
}

// RefreshBeacon replaces the beacon URL with a freshly resolved one.
func (s *Stream) RefreshBeacon(url string) {
	s.BeaconURL = url
	s.fetchedAt = time.Now()
}

// Age returns the time since the stream info was last fetched.
func (s *Stream) Age() time.Duration {
	if s.fetchedAt.IsZero() {
		return 0
	}
	return time.Since(s.fetchedAt)
}

// String returns a human-readable representation of the stream.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream(broadcast=%s, game=%s, viewers=%d)",
		s.BroadcastID, s.Game.BestName(), s.ViewersCount)
}
