package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorren/twitch-drops-harvester/internal/model"
)

func TestParseDropProgress(t *testing.T) {
	raw := []byte(`{"type":"drop-progress","data":{"drop_id":"d1","current_progress_min":7,"required_progress_min":30,"timestamp":"2025-06-01T12:00:00Z"}}`)

	ev, err := ParseEvent("user-drop-events.12345", raw)
	require.NoError(t, err)

	assert.Equal(t, model.TopicUserDrops, ev.Topic.Kind)
	assert.Equal(t, "12345", ev.Topic.Key)
	assert.Equal(t, model.EventDropProgress, ev.Kind)
	require.NotNil(t, ev.DropProgress)
	assert.Equal(t, "d1", ev.DropProgress.DropID)
	assert.Equal(t, 7, ev.DropProgress.CurrentMinutes)

	want, _ := time.Parse(time.RFC3339, "2025-06-01T12:00:00Z")
	assert.True(t, ev.At.Equal(want))
}

func TestParseDropClaim(t *testing.T) {
	raw := []byte(`{"type":"drop-claim","data":{"drop_id":"d2","drop_instance_id":"inst-9"}}`)

	ev, err := ParseEvent("user-drop-events.12345", raw)
	require.NoError(t, err)

	assert.Equal(t, model.EventDropClaim, ev.Kind)
	require.NotNil(t, ev.DropClaim)
	assert.Equal(t, "d2", ev.DropClaim.DropID)
	assert.Equal(t, "inst-9", ev.DropClaim.InstanceID)
}

func TestParseStreamStateTransitions(t *testing.T) {
	up, err := ParseEvent("video-playback-by-id.777", []byte(`{"type":"stream-up","server_time":1748800000}`))
	require.NoError(t, err)
	assert.Equal(t, model.EventStreamState, up.Kind)
	require.NotNil(t, up.StreamState)
	assert.Equal(t, "777", up.StreamState.ChannelID)
	assert.True(t, up.StreamState.Online)
	assert.False(t, up.StreamState.ViewCountOnly)

	down, err := ParseEvent("video-playback-by-id.777", []byte(`{"type":"stream-down"}`))
	require.NoError(t, err)
	assert.False(t, down.StreamState.Online)

	view, err := ParseEvent("video-playback-by-id.777", []byte(`{"type":"viewcount","viewers":4321}`))
	require.NoError(t, err)
	assert.True(t, view.StreamState.ViewCountOnly)
	assert.Equal(t, 4321, view.StreamState.Viewers)
}

func TestParseStreamUpdate(t *testing.T) {
	raw := []byte(`{"channel_id":888,"status":"New Title","game":"GameB","game_id":42}`)

	ev, err := ParseEvent("broadcast-settings-update.888", raw)
	require.NoError(t, err)

	assert.Equal(t, model.EventStreamUpdate, ev.Kind)
	require.NotNil(t, ev.StreamUpdate)
	assert.Equal(t, "888", ev.StreamUpdate.ChannelID)
	assert.Equal(t, "New Title", ev.StreamUpdate.Title)
	assert.Equal(t, "42", ev.StreamUpdate.GameID)
	assert.Equal(t, "GameB", ev.StreamUpdate.GameName)
}

func TestParseNotification(t *testing.T) {
	raw := []byte(`{"type":"create-notification","data":{"notification":{"type":"user_drop_reward_reminder_notification","payload":{"drop_id":"d5"}}}}`)

	ev, err := ParseEvent("onsite-notifications.12345", raw)
	require.NoError(t, err)

	assert.Equal(t, model.EventNotification, ev.Kind)
	require.NotNil(t, ev.Notification)
	assert.Equal(t, "user_drop_reward_reminder_notification", ev.Notification.NotificationType)
	assert.Equal(t, "d5", ev.Notification.DropID)
}

func TestParseRejectsUnknownShapes(t *testing.T) {
	_, err := ParseEvent("some-other-topic.1", []byte(`{}`))
	assert.Error(t, err)

	_, err = ParseEvent("user-drop-events.1", []byte(`{"type":"mystery"}`))
	assert.Error(t, err)

	_, err = ParseEvent("video-playback-by-id.1", []byte(`not json`))
	assert.Error(t, err)
}
