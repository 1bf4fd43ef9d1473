// Package chat keeps an anonymous IRC presence in the watched channel's
// chat so the mining session resembles a real viewer. The go-twitch-irc
// library handles keepalive and reconnection internally.
package chat

import (
	"context"
	"strings"
	"sync"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"github.com/sorren/twitch-drops-harvester/internal/logger"
)

// Manager maintains at most one joined channel at a time, following the
// watcher as it switches.
type Manager struct {
	mu sync.Mutex

	client  *twitchirc.Client
	current string
	running bool

	log *logger.Logger
}

// NewManager creates an anonymous chat Manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		client: twitchirc.NewAnonymousClient(),
		log:    log,
	}
}

// JoinOnly joins the given channel and leaves any previously joined one.
func (m *Manager) JoinOnly(channelName string) {
	channel := strings.ToLower(channelName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == channel {
		return
	}
	if m.current != "" {
		m.client.Depart(m.current)
		m.log.Debug("Left chat", "channel", m.current)
	}
	m.current = channel
	if channel != "" {
		m.client.Join(channel)
		m.log.Info("Joined chat", "channel", channel)
	}
}

// LeaveAll departs the currently joined channel, if any.
func (m *Manager) LeaveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" {
		m.client.Depart(m.current)
		m.log.Debug("Left chat", "channel", m.current)
		m.current = ""
	}
}

// Run connects to IRC and blocks until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := m.client.Connect(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		m.Close()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			m.log.Warn("IRC connection ended", "error", err)
		}
		return err
	}
}

// Close disconnects from IRC.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.running = false
		if err := m.client.Disconnect(); err != nil {
			m.log.Debug("IRC disconnect error", "error", err)
		}
	}
}
