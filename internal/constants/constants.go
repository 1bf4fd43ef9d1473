// Package constants defines the Twitch API endpoints, spoofed client
// identifiers, GQL operation hashes, PubSub topic names, and the default
// timeout/interval/capacity values used throughout the harvester.
package constants

import "time"

const (
	// TwitchURL is the base Twitch web URL.
	TwitchURL = "https://www.twitch.tv"
	// PubSubURL is the Twitch PubSub WebSocket endpoint.
	PubSubURL = "wss://pubsub-edge.twitch.tv/v1"
	// GQLURL is the Twitch GraphQL API endpoint.
	GQLURL = "https://gql.twitch.tv/gql"
	// DeviceCodeURL is the Twitch OAuth2 device code endpoint.
	DeviceCodeURL = "https://id.twitch.tv/oauth2/device"
	// TokenURL is the Twitch OAuth2 token endpoint.
	TokenURL = "https://id.twitch.tv/oauth2/token"
	// ValidateURL is the Twitch OAuth2 token validation endpoint.
	ValidateURL = "https://id.twitch.tv/oauth2/validate"
	// IRCURL is the Twitch IRC chat server address used for chat presence.
	IRCURL = "irc.chat.twitch.tv"
)

const (
	// ClientID presents the harvester as the Twitch Android app.
	ClientID = "kd1unb4b3q4t58fwlpcbzcbnm76a8fp"
	// ClientIDBrowser is the browser client ID. No request in the
	// harvester sends it.
	ClientIDBrowser = "kimne78kx3ncx6brgo4mv6wki5h1ko"

	// DropsTagID identifies streams carrying the "Drops Enabled" badge.
	DropsTagID = "c2542d6d-cd10-4532-919b-3d19f30a768b"
)

// DefaultUserAgent matches the spoofed Android app client.
const DefaultUserAgent = "Dalvik/2.1.0 (Linux; U; Android 7.1.2; SM-G977N Build/LMY48Z) tv.twitch.android.app/14.3.2/1403020"

const (
	// MaxTopicsPerConn is the maximum number of topics per PubSub WebSocket connection.
	MaxTopicsPerConn = 50
	// MaxChannels is the hard cap on tracked channels and thus on distinct
	// channel subscriptions. Channels discovered past the cap are not
	// tracked; the pubsub pool queues channel topics past the matching
	// topic cap.
	MaxChannels = 199
	// MaxPubSubConns bounds the connection pool.
	MaxPubSubConns = 10
	// MaxGQLBatch is the maximum number of named operations in one batched POST.
	MaxGQLBatch = 16
)

const (
	// DefaultHTTPTimeout is the deadline for plain HTTP requests.
	DefaultHTTPTimeout = 20 * time.Second
	// DefaultGQLTimeout is the deadline for GQL requests.
	DefaultGQLTimeout = 30 * time.Second
	// DefaultMaxRetries bounds retry attempts for transient failures.
	DefaultMaxRetries = 5
	// StartupWorkers is the number of concurrent workers for startup probes.
	StartupWorkers = 5

	// PubSubPingInterval is the base interval between PubSub PING messages,
	// jittered by ±PubSubPingJitter per ping.
	PubSubPingInterval = 4 * time.Minute
	// PubSubPingJitter is the uniform jitter applied to the ping interval.
	PubSubPingJitter = 30 * time.Second
	// PubSubPongTimeout is how long a connection waits for a PONG before
	// it is considered dead and reconnected.
	PubSubPongTimeout = 10 * time.Second
	// PubSubReconnectBase is the initial reconnect backoff.
	PubSubReconnectBase = time.Second
	// PubSubReconnectCap is the maximum reconnect backoff.
	PubSubReconnectCap = 60 * time.Second

	// HeartbeatBaseInterval is the heartbeat cadence at connection
	// quality 1; the effective interval is this divided by the quality.
	HeartbeatBaseInterval = 20 * time.Second
	// ProgressReportGrace is how long past a heartbeat the watcher waits
	// for an authoritative progress report before extrapolating.
	ProgressReportGrace = 20 * time.Second

	// DefaultRefreshInterval is the default inventory re-fetch floor.
	DefaultRefreshInterval = 30 * time.Minute
	// MinRefreshInterval is the lowest configurable re-fetch floor.
	MinRefreshInterval = 5 * time.Minute
	// SwitchDebounce coalesces channel re-selection triggers.
	SwitchDebounce = 500 * time.Millisecond
	// EndingSoonLead is how far before a wanted campaign's end the state
	// machine schedules a re-entry.
	EndingSoonLead = time.Minute

	// GracefulShutdownTimeout bounds the control-surface HTTP shutdown.
	GracefulShutdownTimeout = 5 * time.Second
)

// Rate limiter shape per endpoint class (tokens/second, burst).
const (
	GQLRateLimit = 20
	GQLRateBurst = 40
	WebRateLimit = 10
	WebRateBurst = 20
)

// MaxPreconditionDepth caps drop precondition chain traversal; longer
// chains (or cycles) are rejected during reconcile.
const MaxPreconditionDepth = 32

// GQLOperation represents a persisted GQL query with its operation name
// and SHA256 hash, or an inline query when no persisted hash exists.
type GQLOperation struct {
	OperationName string
	SHA256Hash    string
	Query         string
}

// Persisted GQL operations used by the harvester.
var (
	GQLInventory = GQLOperation{
		OperationName: "Inventory",
		SHA256Hash:    "d86775d0ef16a63a33ad52e80eaff963b2d5b72fada7c991504a57496e1d8e4b",
	}
	GQLViewerDropsDashboard = GQLOperation{
		OperationName: "ViewerDropsDashboard",
		SHA256Hash:    "5a4da2ab3d5b47c9f9ce864e727b2cb346af1e3ea8b897fe8f704a97ff017619",
	}
	GQLDropCampaignDetails = GQLOperation{
		OperationName: "DropCampaignDetails",
		SHA256Hash:    "f6396f5ffdde867a8f6f6da18286e4baf02e5b98d14689a69b5af320a4c7b7b8",
	}
	GQLClaimDropRewards = GQLOperation{
		OperationName: "DropsPage_ClaimDropRewards",
		SHA256Hash:    "a455deea71bdc9015b78eb49f4acfbce8baa7ccbedd28e549bb025bd0f751930",
	}
	GQLCurrentDrop = GQLOperation{
		OperationName: "DropCurrentSessionContext",
		SHA256Hash:    "2e4b3630b91552eb05b76a94b6850eb25fe42263b7cf6d06bee6d156dd247c1c",
	}
	GQLStreamInfo = GQLOperation{
		OperationName: "VideoPlayerStreamInfoOverlayChannel",
		SHA256Hash:    "a5f2e34d626a9f4f5c0204f910bab2194948a9502089be558bb6e779a9e1b3d2",
	}
	GQLPlaybackAccessToken = GQLOperation{
		OperationName: "PlaybackAccessToken",
		SHA256Hash:    "3093517e37e4f4cb48906155bcd894150aef92617939236d2508f3375ab732ce",
	}
	GQLGetIDFromLogin = GQLOperation{
		OperationName: "GetIDFromLogin",
		SHA256Hash:    "94e82a7b1e3c21e186daa73ee2afc4b8f23bade1fbbff6fe8ac133f50a2f58ca",
	}
	GQLAvailableDrops = GQLOperation{
		OperationName: "DropsHighlightService_AvailableDrops",
		SHA256Hash:    "9a62a09bce5b53e26e64a671e530bc599cb6aab1e5ba3cbd5d85966d3940716f",
	}
	GQLDirectoryPageGame = GQLOperation{
		OperationName: "DirectoryPage_Game",
		Query:         `query DirectoryPage_Game($slug: String!, $first: Int!, $after: Cursor, $options: GameStreamOptions) { game(slug: $slug) { id displayName name streams(first: $first, after: $after, options: $options) { edges { node { id broadcaster { id login displayName } viewersCount title game { id name displayName slug } } cursor } pageInfo { hasNextPage } } } }`,
	}
)
