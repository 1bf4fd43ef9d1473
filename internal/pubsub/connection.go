package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sorren/twitch-drops-harvester/internal/auth"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
)

// TokenProvider supplies the auth token attached to topic subscriptions.
type TokenProvider interface {
	AuthToken() string
}

// Connection is a single WebSocket connection to the PubSub server.
// Each connection holds at most MaxTopicsPerConn topics; message order
// is preserved per connection.
type Connection struct {
	mu sync.Mutex

	index         int
	conn          *websocket.Conn
	topics        []model.Topic
	pendingTopics []model.Topic

	lastPong    time.Time
	pingSentAt  time.Time
	awaitPong   bool
	isConnected bool

	events  chan *model.PubSubEvent
	writeCh chan []byte

	token TokenProvider
	log   *logger.Logger

	nonceToTopic map[string]string

	lastEventAt  time.Time
	lastEventKey string
}

// NewConnection dials the PubSub server.
func NewConnection(ctx context.Context, index int, token TokenProvider, log *logger.Logger) (*Connection, error) {
	conn, _, err := websocket.Dial(ctx, constants.PubSubURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dialing PubSub server: %w", err)
	}

	conn.SetReadLimit(128 << 10) // 128 KB

	return &Connection{
		index:        index,
		conn:         conn,
		topics:       make([]model.Topic, 0, constants.MaxTopicsPerConn),
		events:       make(chan *model.PubSubEvent, 32),
		writeCh:      make(chan []byte, 64),
		token:        token,
		log:          log,
		nonceToTopic: make(map[string]string),
		lastPong:     time.Now(),
		isConnected:  true,
	}, nil
}

// Subscribe sends LISTEN frames for the given topics. Topics queued
// while disconnected are flushed when Run starts.
func (c *Connection) Subscribe(topics []model.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		if c.hasTopic(topic) {
			continue
		}
		c.topics = append(c.topics, topic)

		if !c.isConnected {
			c.pendingTopics = append(c.pendingTopics, topic)
			continue
		}

		if err := c.sendListen(topic); err != nil {
			return fmt.Errorf("subscribing to topic %s: %w", topic, err)
		}
	}
	return nil
}

// Unsubscribe sends an UNLISTEN frame for the given topics and forgets them.
func (c *Connection) Unsubscribe(topics []model.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	topicStrings := make([]string, 0, len(topics))
	for _, topic := range topics {
		topicStrings = append(topicStrings, topic.String())
	}

	req := Request{
		Type:  TypeUnlisten,
		Nonce: auth.GenerateHex(16),
		Data: &RequestData{
			Topics:    topicStrings,
			AuthToken: c.token.AuthToken(),
		},
	}

	if err := c.sendRequest(req); err != nil {
		c.log.Error("Failed to unlisten from topics",
			"conn", c.index, "topics", topicStrings, "error", err)
		return err
	}

	for _, topic := range topics {
		c.removeTopic(topic)
	}

	c.log.Debug("Unlistened from topics", "conn", c.index, "topics", topicStrings)
	return nil
}

// Run starts the read, write and ping loops for this connection. It
// blocks until the context is cancelled or the connection dies.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)

	c.mu.Lock()
	for _, topic := range c.pendingTopics {
		if err := c.sendListen(topic); err != nil {
			c.log.Error("Failed to subscribe pending topic",
				"conn", c.index, "topic", topic, "error", err)
		}
	}
	c.pendingTopics = nil
	c.mu.Unlock()

	c.enqueuePing()

	go c.pingLoop(ctx)

	return c.readLoop(ctx)
}

// Close gracefully closes the WebSocket connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isConnected = false
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "closing")
	}
	close(c.events)
}

// Events returns the channel on which parsed events are delivered in
// arrival order.
func (c *Connection) Events() <-chan *model.PubSubEvent {
	return c.events
}

// TopicCount returns the number of currently subscribed topics.
func (c *Connection) TopicCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

// HasCapacity reports whether the connection can accept more topics.
func (c *Connection) HasCapacity() bool {
	return c.TopicCount() < constants.MaxTopicsPerConn
}

// Topics returns a copy of the currently subscribed topics.
func (c *Connection) Topics() []model.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Topic, len(c.topics))
	copy(out, c.topics)
	return out
}

// IsConnected reports whether the connection is currently active.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var resp Response
		err := wsjson.Read(ctx, c.conn, &resp)
		if err != nil {
			c.mu.Lock()
			c.isConnected = false
			c.mu.Unlock()

			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read error on conn #%d: %w", c.index, err)
		}

		c.handleResponse(ctx, &resp)
	}
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.log.Error("WebSocket write error", "conn", c.index, "error", err)
			}
		}
	}
}

// pingLoop sends a PING every PubSubPingInterval ± jitter and treats a
// missing PONG within PubSubPongTimeout as a dead connection, which
// ends the loop and lets the pool reconnect.
func (c *Connection) pingLoop(ctx context.Context) {
	timer := time.NewTimer(jitteredPingInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.mu.Lock()
			connected := c.isConnected
			c.awaitPong = true
			c.pingSentAt = time.Now()
			c.mu.Unlock()

			if !connected {
				return
			}
			c.enqueuePing()

			pongCheck := time.After(constants.PubSubPongTimeout)
			select {
			case <-ctx.Done():
				return
			case <-pongCheck:
				c.mu.Lock()
				missed := c.awaitPong && c.lastPong.Before(c.pingSentAt)
				if missed {
					c.isConnected = false
				}
				c.mu.Unlock()

				if missed {
					c.log.Warn("PONG not received in time, dropping connection",
						"conn", c.index, "timeout", constants.PubSubPongTimeout)
					c.conn.Close(websocket.StatusGoingAway, "pong timeout")
					return
				}
			}

			timer.Reset(jitteredPingInterval())
		}
	}
}

func jitteredPingInterval() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(2*constants.PubSubPingJitter))) - constants.PubSubPingJitter
	return constants.PubSubPingInterval + jitter
}

func (c *Connection) handleResponse(ctx context.Context, resp *Response) {
	switch resp.Type {
	case TypePong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.awaitPong = false
		c.mu.Unlock()

	case TypeReconnect:
		c.log.Info("Reconnection requested by server", "conn", c.index)
		c.mu.Lock()
		c.isConnected = false
		c.mu.Unlock()
		c.conn.Close(websocket.StatusGoingAway, "server reconnect")

	case TypeResponse:
		c.mu.Lock()
		failedTopic := c.nonceToTopic[resp.Nonce]
		delete(c.nonceToTopic, resp.Nonce)
		c.mu.Unlock()

		if resp.Error != "" {
			c.log.Error("PubSub LISTEN error",
				"conn", c.index, "error", resp.Error, "topic", failedTopic)
			if resp.Error == "ERR_BADAUTH" && failedTopic != "" {
				c.retryListen(ctx, failedTopic)
			}
		}

	case TypeMessage:
		c.handleMessage(ctx, resp.Data)
	}
}

func (c *Connection) handleMessage(ctx context.Context, rawData json.RawMessage) {
	var msgData MessageData
	if err := json.Unmarshal(rawData, &msgData); err != nil {
		c.log.Error("Failed to parse MESSAGE data", "conn", c.index, "error", err)
		return
	}

	ev, err := ParseEvent(msgData.Topic, []byte(msgData.Message))
	if err != nil {
		c.log.Debug("Dropping undecodable PubSub message",
			"conn", c.index, "topic", msgData.Topic, "error", err)
		return
	}

	// Drop immediate duplicates the server occasionally re-delivers.
	key := fmt.Sprintf("%s.%s", ev.Kind, ev.Topic)
	c.mu.Lock()
	if c.lastEventKey == key && c.lastEventAt.Equal(ev.At) {
		c.mu.Unlock()
		return
	}
	c.lastEventAt = ev.At
	c.lastEventKey = key
	c.mu.Unlock()

	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// retryListen re-sends a LISTEN after a short backoff; a fresh auth
// token is picked up from the provider at send time.
func (c *Connection) retryListen(ctx context.Context, topicStr string) {
	prefix, key := splitTopic(topicStr)
	kind, ok := model.ParseTopicKind(prefix)
	if !ok {
		return
	}
	topic := model.NewTopic(kind, key)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.isConnected || !c.hasTopic(topic) {
			return
		}
		if err := c.sendListen(topic); err != nil {
			c.log.Warn("LISTEN retry failed", "conn", c.index, "topic", topicStr, "error", err)
		}
	}()
}

func (c *Connection) sendListen(topic model.Topic) error {
	nonce := auth.GenerateHex(16)
	topicStr := topic.String()
	c.nonceToTopic[nonce] = topicStr

	req := Request{
		Type:  TypeListen,
		Nonce: nonce,
		Data: &RequestData{
			Topics:    []string{topicStr},
			AuthToken: c.token.AuthToken(),
		},
	}

	c.log.Debug("Subscribing to topic", "conn", c.index, "topic", topicStr)
	return c.sendRequest(req)
}

func (c *Connection) sendRequest(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return fmt.Errorf("write channel full on conn #%d", c.index)
	}
}

func (c *Connection) enqueuePing() {
	data, err := json.Marshal(Request{Type: TypePing})
	if err != nil {
		c.log.Error("Failed to marshal PING", "conn", c.index, "error", err)
		return
	}

	select {
	case c.writeCh <- data:
		c.log.Debug("Sent PING", "conn", c.index)
	default:
		c.log.Warn("Write channel full, dropping PING", "conn", c.index)
	}
}

func (c *Connection) hasTopic(topic model.Topic) bool {
	for _, t := range c.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *Connection) removeTopic(topic model.Topic) {
	for i, t := range c.topics {
		if t == topic {
			c.topics = append(c.topics[:i], c.topics[i+1:]...)
			break
		}
	}
	for i, t := range c.pendingTopics {
		if t == topic {
			c.pendingTopics = append(c.pendingTopics[:i], c.pendingTopics[i+1:]...)
			return
		}
	}
}
