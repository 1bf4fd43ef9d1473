package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sorren/twitch-drops-harvester/internal/backoff"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
)

// Handler processes events for one topic kind. Handler errors never
// propagate outward; the pool logs them and keeps dispatching.
type Handler func(ctx context.Context, ev *model.PubSubEvent)

// Pool manages the PubSub WebSocket connections, distributing topics
// across them and routing typed events to the handler registered for
// each topic kind. Subscription enqueue is thread-safe.
type Pool struct {
	mu sync.Mutex

	conns    []*Connection
	token    TokenProvider
	log      *logger.Logger
	handlers map[model.TopicKind]Handler

	// queued holds channel-scoped topics past the subscription cap,
	// admitted as capacity frees up.
	queued []model.Topic

	merged chan *model.PubSubEvent

	policy backoff.Policy

	// running/runCtx track whether Run has started so connections
	// created afterwards get their own run loops.
	running bool
	runCtx  context.Context
}

// NewPool creates a PubSub connection pool.
func NewPool(token TokenProvider, log *logger.Logger) *Pool {
	return &Pool{
		conns:    make([]*Connection, 0, constants.MaxPubSubConns),
		token:    token,
		log:      log,
		handlers: make(map[model.TopicKind]Handler),
		merged:   make(chan *model.PubSubEvent, 256),
		policy:   backoff.New(constants.PubSubReconnectBase, constants.PubSubReconnectCap),
	}
}

// Register installs the handler for a topic kind. Must be called before
// Run; later registrations replace earlier ones.
func (p *Pool) Register(kind model.TopicKind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Subscribe distributes topics across connections, creating connections
// as needed. Channel subscriptions past the MaxChannels cap are queued
// rather than rejected.
func (p *Pool) Subscribe(ctx context.Context, topics []model.Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, topic := range topics {
		if topic.Key == "" {
			p.log.Warn("Skipping subscription with empty key", "kind", topic.Kind.String())
			continue
		}

		if !topic.Kind.UserScoped() && p.channelSubCountLocked() >= constants.MaxChannels*len(model.ChannelTopicKinds()) {
			p.queued = append(p.queued, topic)
			p.log.Debug("Subscription cap reached, queueing topic", "topic", topic.String())
			continue
		}

		if err := p.subscribeSingleLocked(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes topics from their connections and admits queued
// topics into the freed capacity.
func (p *Pool) Unsubscribe(ctx context.Context, topics []model.Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, topic := range topics {
		found := false
		for _, conn := range p.conns {
			for _, ct := range conn.Topics() {
				if ct == topic {
					if err := conn.Unsubscribe([]model.Topic{topic}); err != nil {
						p.log.Error("Failed to unsubscribe topic",
							"topic", topic.String(), "error", err)
					}
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			p.removeQueuedLocked(topic)
		}
	}

	p.drainQueueLocked(ctx)
	return nil
}

// UnsubscribeChannel removes all channel-scoped topics for a channel ID.
func (p *Pool) UnsubscribeChannel(ctx context.Context, channelID string) error {
	var topics []model.Topic
	for _, kind := range model.ChannelTopicKinds() {
		topics = append(topics, model.NewTopic(kind, channelID))
	}
	return p.Unsubscribe(ctx, topics)
}

// Run starts all connections and dispatches events to their handlers.
// It blocks until the context is cancelled. Dead connections are
// reconnected with exponential backoff; their topic sets survive.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.dispatch(ctx)
	})

	p.mu.Lock()
	p.running = true
	p.runCtx = ctx
	for _, conn := range p.conns {
		conn := conn
		p.startForwarder(ctx, conn)
		g.Go(func() error {
			return p.runConnection(ctx, conn)
		})
	}
	p.mu.Unlock()

	return g.Wait()
}

// Close gracefully closes all connections in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns {
		conn.Close()
	}
	p.log.Info("PubSub pool closed", "connections", len(p.conns))
}

// ConnectionCount returns the number of pooled connections.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// TotalTopicCount returns the number of subscribed topics across all
// connections, excluding queued ones.
func (p *Pool) TotalTopicCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, conn := range p.conns {
		total += conn.TopicCount()
	}
	return total
}

// QueuedTopicCount returns the number of topics waiting for capacity.
func (p *Pool) QueuedTopicCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

func (p *Pool) channelSubCountLocked() int {
	total := 0
	for _, conn := range p.conns {
		for _, t := range conn.Topics() {
			if !t.Kind.UserScoped() {
				total++
			}
		}
	}
	return total
}

func (p *Pool) subscribeSingleLocked(ctx context.Context, topic model.Topic) error {
	for _, conn := range p.conns {
		if conn.HasCapacity() {
			return conn.Subscribe([]model.Topic{topic})
		}
	}

	if len(p.conns) >= constants.MaxPubSubConns {
		p.queued = append(p.queued, topic)
		p.log.Warn("All connections full, queueing topic", "topic", topic.String())
		return nil
	}

	conn, err := NewConnection(ctx, len(p.conns), p.token, p.log)
	if err != nil {
		return fmt.Errorf("creating PubSub connection: %w", err)
	}

	p.conns = append(p.conns, conn)
	p.log.Info("Created new PubSub connection",
		"conn", conn.index, "total_connections", len(p.conns))

	// Connections created before Run starts are picked up there;
	// afterwards each new connection runs under the pool context.
	if p.running {
		runCtx := p.runCtx
		p.startForwarder(runCtx, conn)
		go func() {
			if err := p.runConnection(runCtx, conn); err != nil && runCtx.Err() == nil {
				p.log.Error("PubSub connection stopped", "conn", conn.index, "error", err)
			}
		}()
	}

	return conn.Subscribe([]model.Topic{topic})
}

func (p *Pool) drainQueueLocked(ctx context.Context) {
	capacity := constants.MaxChannels*len(model.ChannelTopicKinds()) - p.channelSubCountLocked()
	for capacity > 0 && len(p.queued) > 0 {
		topic := p.queued[0]
		p.queued = p.queued[1:]
		if err := p.subscribeSingleLocked(ctx, topic); err != nil {
			p.log.Error("Failed to admit queued topic", "topic", topic.String(), "error", err)
			return
		}
		capacity--
	}
}

func (p *Pool) removeQueuedLocked(topic model.Topic) {
	for i, t := range p.queued {
		if t == topic {
			p.queued = append(p.queued[:i], p.queued[i+1:]...)
			return
		}
	}
	p.log.Debug("Topic not found in any connection", "topic", topic.String())
}

// runConnection keeps one connection alive, reconnecting with backoff
// and re-establishing its topic set. Failures stay local to the
// connection; peers are unaffected.
func (p *Pool) runConnection(ctx context.Context, conn *Connection) error {
	attempt := 0

	for {
		err := conn.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := p.policy.Delay(attempt)
		p.log.Warn("PubSub connection lost, reconnecting",
			"conn", conn.index, "error", err, "backoff", delay.Round(time.Second))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		newConn, err := p.reconnect(ctx, conn)
		if err != nil {
			p.log.Error("Reconnection failed", "conn", conn.index, "error", err)
			attempt++
			continue
		}

		attempt = 0
		conn = newConn
		p.log.Info("PubSub connection re-established", "conn", conn.index)
	}
}

// reconnect replaces a dead connection with a fresh one carrying the
// same topic set.
func (p *Pool) reconnect(ctx context.Context, conn *Connection) (*Connection, error) {
	topics := conn.Topics()

	newConn, err := NewConnection(ctx, conn.index, p.token, p.log)
	if err != nil {
		return nil, fmt.Errorf("dialing PubSub for reconnection: %w", err)
	}

	p.mu.Lock()
	for i, c := range p.conns {
		if c == conn {
			p.conns[i] = newConn
			break
		}
	}
	p.startForwarder(ctx, newConn)
	p.mu.Unlock()

	if err := newConn.Subscribe(topics); err != nil {
		return nil, fmt.Errorf("re-subscribing topics after reconnection: %w", err)
	}

	return newConn, nil
}

// startForwarder pumps a connection's event channel into the pool's
// merged fan-in channel, preserving per-connection order.
func (p *Pool) startForwarder(ctx context.Context, conn *Connection) {
	go func() {
		for {
			select {
			case ev, ok := <-conn.Events():
				if !ok {
					return
				}
				select {
				case p.merged <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// dispatch routes merged events to the handler registered for each
// topic kind. A panic inside a handler is recovered and logged.
func (p *Pool) dispatch(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-p.merged:
			if !ok {
				return nil
			}
			p.mu.Lock()
			handler := p.handlers[ev.Topic.Kind]
			p.mu.Unlock()

			if handler == nil {
				p.log.Debug("No handler for topic kind", "kind", ev.Topic.Kind.String())
				continue
			}
			p.safeDispatch(ctx, handler, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) safeDispatch(ctx context.Context, handler Handler, ev *model.PubSubEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Handler panic recovered", "topic", ev.Topic.String(), "panic", r)
		}
	}()
	handler(ctx, ev)
}
