// Package miner implements the core state machine that drives campaign
// discovery, channel selection and switching. It owns phase ordering;
// background tasks request re-entry through coalesced triggers instead
// of mutating state directly.
package miner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sorren/twitch-drops-harvester/internal/auth"
	"github.com/sorren/twitch-drops-harvester/internal/channels"
	"github.com/sorren/twitch-drops-harvester/internal/chat"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/inventory"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
	"github.com/sorren/twitch-drops-harvester/internal/pubsub"
	"github.com/sorren/twitch-drops-harvester/internal/settings"
	"github.com/sorren/twitch-drops-harvester/internal/watch"
)

// ErrAuthRequired means mining cannot proceed without the user
// completing authentication; the process exits with code 2.
var ErrAuthRequired = errors.New("authentication requires user intervention")

// Phase is one state of the mining state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInventoryFetch
	PhaseGamesUpdate
	PhaseChannelsCleanup
	PhaseChannelsFetch
	PhaseChannelSwitch
	PhaseExit
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseInventoryFetch:
		return "INVENTORY_FETCH"
	case PhaseGamesUpdate:
		return "GAMES_UPDATE"
	case PhaseChannelsCleanup:
		return "CHANNELS_CLEANUP"
	case PhaseChannelsFetch:
		return "CHANNELS_FETCH"
	case PhaseChannelSwitch:
		return "CHANNEL_SWITCH"
	default:
		return "EXIT"
	}
}

// Miner sequences the mining phases for a single account.
type Miner struct {
	mu sync.Mutex

	auth  *auth.Authenticator
	client *gql.Client
	pool  *pubsub.Pool
	inv   *inventory.Service
	chans *channels.Service
	watch *watch.Service
	chat  *chat.Manager
	store *settings.Store
	bus   *events.Bus
	log   *logger.Logger

	// trigger coalesces re-entry requests; forceFetch marks triggers
	// that must bypass the inventory refresh floor.
	trigger    chan struct{}
	forceFetch atomic.Bool

	phase Phase

	wantedGames []model.Game

	endingSoon *time.Timer

	running atomic.Bool
}

// New wires a Miner from its collaborators.
func New(a *auth.Authenticator, client *gql.Client, pool *pubsub.Pool, inv *inventory.Service, chans *channels.Service, w *watch.Service, chatMgr *chat.Manager, store *settings.Store, bus *events.Bus, log *logger.Logger) *Miner {
	return &Miner{
		auth:    a,
		client:  client,
		pool:    pool,
		inv:     inv,
		chans:   chans,
		watch:   w,
		chat:    chatMgr,
		store:   store,
		bus:     bus,
		log:     log,
		trigger: make(chan struct{}, 1),
		phase:   PhaseIdle,
	}
}

// IsRunning reports whether the mining loop is active.
func (m *Miner) IsRunning() bool {
	return m.running.Load()
}

// CurrentPhase returns the phase being executed.
func (m *Miner) CurrentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Run executes the mining lifecycle: login, real-time subscriptions,
// background loops, and the phase driver. It blocks until the context
// is cancelled or authentication fails terminally.
func (m *Miner) Run(ctx context.Context) error {
	defer m.running.Store(false)

	m.bus.Status("Logging in")
	if err := m.auth.Login(ctx); err != nil {
		if errors.Is(err, auth.ErrLoginFailed) || errors.Is(err, auth.ErrCaptchaRequired) {
			m.bus.Publish(events.TypeAttentionRequired, events.AttentionPayload{Reason: "login", Sound: true})
			m.bus.Status("Login required")
			return fmt.Errorf("%w: %v", ErrAuthRequired, err)
		}
		return fmt.Errorf("login: %w", err)
	}

	m.registerHandlers()

	userID := m.auth.UserID()
	var userTopics []model.Topic
	for _, kind := range model.UserTopicKinds() {
		userTopics = append(userTopics, model.NewTopic(kind, userID))
	}
	if err := m.pool.Subscribe(ctx, userTopics); err != nil {
		return fmt.Errorf("subscribing user topics: %w", err)
	}

	m.chans.SetChannelEventFunc(m.RequestSwitch)
	m.watch.SetDropClaimedFunc(func() {
		m.forceFetch.Store(true)
		m.RequestSwitch()
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.pool.Run(ctx)
	})

	g.Go(func() error {
		return m.watch.Run(ctx)
	})

	if m.chat != nil {
		g.Go(func() error {
			return m.chat.Run(ctx)
		})
	}

	g.Go(func() error {
		return m.maintenanceLoop(ctx)
	})

	g.Go(func() error {
		return m.store.Watch(ctx, func(next settings.Settings) {
			m.log.Info("Settings changed on disk, reloading")
			m.applySettings(next)
		})
	})

	g.Go(func() error {
		return m.loop(ctx)
	})

	m.running.Store(true)
	m.Reload()

	err := g.Wait()

	m.mu.Lock()
	if m.endingSoon != nil {
		m.endingSoon.Stop()
	}
	m.mu.Unlock()

	if persistErr := m.auth.Persist(); persistErr != nil {
		m.log.Warn("Failed to persist cookie jar on shutdown", "error", persistErr)
	}

	return err
}

// registerHandlers installs the per-kind real-time event handlers.
func (m *Miner) registerHandlers() {
	m.pool.Register(model.TopicUserDrops, func(ctx context.Context, ev *model.PubSubEvent) {
		m.watch.HandleUserDrops(ctx, ev)
		if ev.Kind == model.EventDropClaim {
			m.forceFetch.Store(true)
			m.RequestSwitch()
		}
	})

	m.pool.Register(model.TopicUserNotifications, func(ctx context.Context, ev *model.PubSubEvent) {
		if ev.Kind != model.EventNotification || ev.Notification == nil {
			return
		}
		if ev.Notification.NotificationType == "user_drop_reward_reminder_notification" {
			m.forceFetch.Store(true)
			m.RequestSwitch()
		}
	})

	m.pool.Register(model.TopicChannelStreamState, func(ctx context.Context, ev *model.PubSubEvent) {
		if ev.StreamState != nil {
			m.chans.HandleStreamState(ctx, ev.StreamState)
		}
	})

	m.pool.Register(model.TopicChannelStreamUpdate, func(ctx context.Context, ev *model.PubSubEvent) {
		if ev.StreamUpdate != nil {
			m.chans.HandleStreamUpdate(ctx, ev.StreamUpdate)
		}
	})
}

// RequestSwitch posts a coalesced re-entry request. Triggers arriving
// while a phase sequence runs fold into a single pending re-entry.
func (m *Miner) RequestSwitch() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Reload forces a full refresh bypassing the inventory interval floor.
func (m *Miner) Reload() {
	m.forceFetch.Store(true)
	m.RequestSwitch()
}

// loop is the phase driver: one sequence at a time, debounced so claim
// bursts collapse into one pass.
func (m *Miner) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.setPhase(PhaseExit)
			return ctx.Err()
		case <-m.trigger:
		}

		// Debounce briefly so bursts of triggers run one sequence.
		select {
		case <-ctx.Done():
			m.setPhase(PhaseExit)
			return ctx.Err()
		case <-time.After(constants.SwitchDebounce):
		}

		if err := m.runSequence(ctx); err != nil {
			if ctx.Err() != nil {
				m.setPhase(PhaseExit)
				return ctx.Err()
			}
			m.log.Warn("Phase sequence aborted", "error", err)
			m.bus.Status("Recovering from error")
		}
		m.setPhase(PhaseIdle)
	}
}

// maintenanceLoop forces an hourly inventory refresh.
func (m *Miner) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reload()
		}
	}
}

func (m *Miner) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// armEndingSoonTimer schedules a re-entry one minute before the
// earliest wanted campaign ends.
func (m *Miner) armEndingSoonTimer() {
	end, ok := m.inv.EarliestWantedEnd()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.endingSoon != nil {
		m.endingSoon.Stop()
		m.endingSoon = nil
	}
	if !ok {
		return
	}

	delay := time.Until(end.Add(-constants.EndingSoonLead))
	if delay <= 0 {
		return
	}
	m.endingSoon = time.AfterFunc(delay, func() {
		m.forceFetch.Store(true)
		m.RequestSwitch()
	})
}

// applySettings reacts to settings changes coming from the control
// surface or the on-disk watcher.
func (m *Miner) applySettings(next settings.Settings) {
	if err := m.client.SetProxy(next.Proxy); err != nil {
		m.log.Warn("Ignoring invalid proxy from settings", "error", err)
	}
	m.bus.Publish(events.TypeSettingsUpdated, next)
	m.bus.Publish(events.TypeThemeChange, map[string]bool{"dark_mode": next.DarkMode})
	m.RequestSwitch()
}
