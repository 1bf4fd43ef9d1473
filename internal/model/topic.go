package model

import "fmt"

// TopicKind identifies the category of a PubSub subscription topic.
type TopicKind int

const (
	// TopicUserDrops carries drop progress and claim events for the user.
	TopicUserDrops TopicKind = iota
	// TopicUserNotifications carries on-site notifications for the user.
	TopicUserNotifications
	// TopicChannelStreamState carries stream up/down and view counts.
	TopicChannelStreamState
	// TopicChannelStreamUpdate carries broadcast metadata changes.
	TopicChannelStreamUpdate
)

var topicNames = map[TopicKind]string{
	TopicUserDrops:           "user-drop-events",
	TopicUserNotifications:   "onsite-notifications",
	TopicChannelStreamState:  "video-playback-by-id",
	TopicChannelStreamUpdate: "broadcast-settings-update",
}

// String returns the wire prefix for this topic kind.
func (k TopicKind) String() string {
	if name, ok := topicNames[k]; ok {
		return name
	}
	return "unknown"
}

// UserScoped reports whether topics of this kind are keyed by the
// authenticated user rather than by a channel.
func (k TopicKind) UserScoped() bool {
	return k == TopicUserDrops || k == TopicUserNotifications
}

// ChannelTopicKinds lists the kinds subscribed per tracked channel.
func ChannelTopicKinds() []TopicKind {
	return []TopicKind{TopicChannelStreamState, TopicChannelStreamUpdate}
}

// UserTopicKinds lists the kinds subscribed once per user.
func UserTopicKinds() []TopicKind {
	return []TopicKind{TopicUserDrops, TopicUserNotifications}
}

// ParseTopicKind resolves a wire prefix back to its kind.
func ParseTopicKind(name string) (TopicKind, bool) {
	for k, n := range topicNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Topic is a PubSub subscription identified by kind plus key (a user ID
// for user-scoped kinds, a channel ID otherwise).
type Topic struct {
	Kind TopicKind `json:"kind"`
	Key  string    `json:"key"`
}

// NewTopic creates a Topic.
func NewTopic(kind TopicKind, key string) Topic {
	return Topic{Kind: kind, Key: key}
}

// String returns the full wire topic string "prefix.key".
func (t Topic) String() string {
	return fmt.Sprintf("%s.%s", t.Kind, t.Key)
}
