// Package pubsub maintains the sharded pool of WebSocket connections to
// the platform's pub-sub endpoint and translates inbound frames into
// typed internal events.
package pubsub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/model"
)

// Wire message types for the PubSub protocol.
const (
	TypeListen    = "LISTEN"
	TypeUnlisten  = "UNLISTEN"
	TypePing      = "PING"
	TypePong      = "PONG"
	TypeReconnect = "RECONNECT"
	TypeResponse  = "RESPONSE"
	TypeMessage   = "MESSAGE"
)

// Request is an outbound PubSub frame.
type Request struct {
	Type  string       `json:"type"`
	Nonce string       `json:"nonce,omitempty"`
	Data  *RequestData `json:"data,omitempty"`
}

// RequestData carries the topics and auth token of LISTEN/UNLISTEN frames.
type RequestData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

// Response is an inbound PubSub frame.
type Response struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageData is the envelope of a MESSAGE frame.
type MessageData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// splitTopic splits "prefix.key" at the last dot.
func splitTopic(topicFull string) (string, string) {
	for i := len(topicFull) - 1; i >= 0; i-- {
		if topicFull[i] == '.' {
			return topicFull[:i], topicFull[i+1:]
		}
	}
	return topicFull, ""
}

// ParseEvent decodes the inner message of a MESSAGE frame into the
// typed event for its topic kind. Unknown topic prefixes and unknown
// message types inside known topics are reported as errors; the caller
// logs and drops them.
func ParseEvent(topicFull string, rawMessage []byte) (*model.PubSubEvent, error) {
	prefix, key := splitTopic(topicFull)

	kind, ok := model.ParseTopicKind(prefix)
	if !ok {
		return nil, fmt.Errorf("unknown topic prefix %q", prefix)
	}

	ev := &model.PubSubEvent{
		Topic: model.NewTopic(kind, key),
		At:    time.Now().UTC(),
	}

	switch kind {
	case model.TopicUserDrops:
		return parseUserDrops(ev, rawMessage)
	case model.TopicUserNotifications:
		return parseNotification(ev, rawMessage)
	case model.TopicChannelStreamState:
		return parseStreamState(ev, key, rawMessage)
	case model.TopicChannelStreamUpdate:
		return parseStreamUpdate(ev, rawMessage)
	default:
		return nil, fmt.Errorf("unhandled topic kind %v", kind)
	}
}

func parseUserDrops(ev *model.PubSubEvent, raw []byte) (*model.PubSubEvent, error) {
	var body struct {
		Type string `json:"type"`
		Data struct {
			DropID             string `json:"drop_id"`
			DropInstanceID     string `json:"drop_instance_id"`
			CurrentProgressMin int    `json:"current_progress_min"`
			RequiredProgressMin int   `json:"required_progress_min"`
			Timestamp          string `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parsing user drops message: %w", err)
	}

	if body.Data.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, body.Data.Timestamp); err == nil {
			ev.At = t
		}
	}

	switch body.Type {
	case "drop-progress":
		ev.Kind = model.EventDropProgress
		ev.DropProgress = &model.DropProgressEvent{
			DropID:         body.Data.DropID,
			CurrentMinutes: body.Data.CurrentProgressMin,
		}
		return ev, nil
	case "drop-claim":
		ev.Kind = model.EventDropClaim
		ev.DropClaim = &model.DropClaimEvent{
			DropID:     body.Data.DropID,
			InstanceID: body.Data.DropInstanceID,
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown user drops message type %q", body.Type)
	}
}

func parseNotification(ev *model.PubSubEvent, raw []byte) (*model.PubSubEvent, error) {
	var body struct {
		Type string `json:"type"`
		Data struct {
			Notification struct {
				Type    string `json:"type"`
				Payload struct {
					DropID string `json:"drop_id"`
				} `json:"payload"`
			} `json:"notification"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parsing notification message: %w", err)
	}

	if body.Type != "create-notification" {
		return nil, fmt.Errorf("unknown notification message type %q", body.Type)
	}

	ev.Kind = model.EventNotification
	ev.Notification = &model.NotificationEvent{
		NotificationType: body.Data.Notification.Type,
		DropID:           body.Data.Notification.Payload.DropID,
	}
	return ev, nil
}

func parseStreamState(ev *model.PubSubEvent, channelID string, raw []byte) (*model.PubSubEvent, error) {
	var body struct {
		Type       string  `json:"type"`
		ServerTime float64 `json:"server_time"`
		Viewers    int     `json:"viewers"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parsing stream state message: %w", err)
	}

	if body.ServerTime > 0 {
		ev.At = time.Unix(int64(body.ServerTime), 0).UTC()
	}

	ev.Kind = model.EventStreamState
	switch body.Type {
	case "stream-up":
		ev.StreamState = &model.StreamStateEvent{ChannelID: channelID, Online: true}
	case "stream-down":
		ev.StreamState = &model.StreamStateEvent{ChannelID: channelID, Online: false}
	case "viewcount":
		ev.StreamState = &model.StreamStateEvent{
			ChannelID:     channelID,
			Online:        true,
			ViewCountOnly: true,
			Viewers:       body.Viewers,
		}
	default:
		return nil, fmt.Errorf("unknown stream state message type %q", body.Type)
	}
	return ev, nil
}

func parseStreamUpdate(ev *model.PubSubEvent, raw []byte) (*model.PubSubEvent, error) {
	var body struct {
		ChannelID any    `json:"channel_id"`
		Status    string `json:"status"`
		Game      string `json:"game"`
		GameID    any    `json:"game_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parsing stream update message: %w", err)
	}

	ev.Kind = model.EventStreamUpdate
	ev.StreamUpdate = &model.StreamUpdateEvent{
		ChannelID: anyToID(body.ChannelID),
		Title:     body.Status,
		GameID:    anyToID(body.GameID),
		GameName:  body.Game,
	}
	if ev.StreamUpdate.ChannelID == "" {
		ev.StreamUpdate.ChannelID = ev.Topic.Key
	}
	return ev, nil
}

// anyToID normalizes numeric or string identifiers from loosely typed
// payloads.
func anyToID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}
