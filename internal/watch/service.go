// Package watch emits the minute-watched heartbeats for the active
// channel and reconciles server-reported drop progress with locally
// extrapolated progress.
package watch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/channels"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/inventory"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/model"
	"github.com/sorren/twitch-drops-harvester/internal/settings"
)

// UserIDProvider supplies the user ID for heartbeat payloads.
type UserIDProvider interface {
	UserID() string
}

// watchContext tracks what the watcher is currently mining.
type watchContext struct {
	channelID  string
	login      string
	campaignID string
	dropID     string

	// lastReportAt is when the newest authoritative tuple was seen while
	// watching.
	lastReportAt time.Time
}

// Service runs the heartbeat loop for the active channel. The active
// channel is set by the state machine's CHANNEL_SWITCH phase; the
// service itself never switches channels.
type Service struct {
	mu sync.Mutex

	active *watchContext

	client *gql.Client
	inv    *inventory.Service
	chans  *channels.Service
	store  *settings.Store
	user   UserIDProvider
	bus    *events.Bus
	log    *logger.Logger

	// onDropClaimed asks the state machine for a re-selection pass
	// after a claim; debounced there.
	onDropClaimed func()
}

// New creates a watch Service.
func New(client *gql.Client, inv *inventory.Service, chans *channels.Service, store *settings.Store, user UserIDProvider, bus *events.Bus, log *logger.Logger) *Service {
	return &Service{
		client: client,
		inv:    inv,
		chans:  chans,
		store:  store,
		user:   user,
		bus:    bus,
		log:    log,
	}
}

// SetDropClaimedFunc installs the post-claim trigger callback.
func (s *Service) SetDropClaimedFunc(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDropClaimed = fn
}

// Watch points the heartbeat loop at a channel and the drop expected to
// gain progress there. Passing a nil channel stops watching.
func (s *Service) Watch(ctx context.Context, ch *model.Channel, campaignID, dropID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch == nil {
		if s.active != nil {
			s.active = nil
			s.bus.Publish(events.TypeDropProgressStop, nil)
		}
		return
	}

	if s.active != nil && s.active.channelID == ch.ID && s.active.dropID == dropID {
		return
	}

	s.active = &watchContext{
		channelID:  ch.ID,
		login:      ch.Login,
		campaignID: campaignID,
		dropID:     dropID,
	}
	s.log.Event(ctx, "CHANNEL_SWITCH", "Watching", "channel", ch.Login, "game", ch.GameName())
}

// Watching returns the active channel ID, empty when idle.
func (s *Service) Watching() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.channelID
}

// ActiveDropID returns the drop expected to gain progress.
func (s *Service) ActiveDropID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.dropID
}

// Run drives the heartbeat loop and the extrapolation watchdog until
// the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	heartbeat := time.NewTimer(s.interval())
	defer heartbeat.Stop()

	extrapolate := time.NewTicker(time.Minute)
	defer extrapolate.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat.C:
			s.sendHeartbeat(ctx)
			heartbeat.Reset(s.interval())

		case <-extrapolate.C:
			s.maybeExtrapolate(ctx)
		}
	}
}

// snapshot copies the active watch context under the lock.
func (s *Service) snapshot() (watchContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return watchContext{}, false
	}
	return *s.active, true
}

// interval derives the heartbeat cadence from connection quality.
func (s *Service) interval() time.Duration {
	quality := s.store.Get().ConnectionQuality
	if quality < 1 {
		quality = 1
	}
	return constants.HeartbeatBaseInterval / time.Duration(quality)
}

// sendHeartbeat POSTs one minute-watched event to the active stream's
// beacon URL. A 404/410 response means the beacon is stale: stream info
// is refreshed and the send retried once.
func (s *Service) sendHeartbeat(ctx context.Context) {
	active, ok := s.snapshot()
	if !ok {
		return
	}

	ch, ok := s.chans.Channel(active.channelID)
	if !ok || !ch.Online() {
		return
	}

	beacon := ""
	broadcastID := ""
	if ch.Stream != nil {
		beacon = ch.Stream.BeaconURL
		broadcastID = ch.Stream.BroadcastID
	}

	if beacon == "" {
		var err error
		beacon, err = s.chans.ResolveBeacon(ctx, active.channelID)
		if err != nil {
			s.log.Debug("Beacon resolution failed", "channel", active.login, "error", err)
			return
		}
	}

	status, err := s.postHeartbeat(ctx, beacon, active, broadcastID)
	if err != nil {
		s.log.Debug("Heartbeat failed", "channel", active.login, "error", err)
		return
	}

	if status == http.StatusNotFound || status == http.StatusGone {
		if _, err := s.chans.RefreshStream(ctx, active.channelID); err != nil {
			s.log.Debug("Stream refresh after stale beacon failed",
				"channel", active.login, "error", err)
			return
		}
		beacon, err = s.chans.ResolveBeacon(ctx, active.channelID)
		if err != nil {
			s.log.Debug("Beacon refresh failed", "channel", active.login, "error", err)
			return
		}
		if _, err := s.postHeartbeat(ctx, beacon, active, broadcastID); err != nil {
			s.log.Debug("Heartbeat retry failed", "channel", active.login, "error", err)
		}
	}
}

// postHeartbeat encodes and sends one beacon event; the payload carries
// the broadcast and channel IDs.
func (s *Service) postHeartbeat(ctx context.Context, beacon string, active watchContext, broadcastID string) (int, error) {
	payload := []map[string]any{{
		"event": "minute-watched",
		"properties": map[string]any{
			"channel_id":   active.channelID,
			"broadcast_id": broadcastID,
			"player":       "site",
			"user_id":      s.user.UserID(),
			"live":         true,
			"channel":      active.login,
		},
	}}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling heartbeat payload: %w", err)
	}
	body := []byte("data=" + base64.StdEncoding.EncodeToString(jsonData))

	_, status, err := s.client.Post(ctx, beacon, body, map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	if err != nil {
		var invalid *gql.RequestInvalidError
		if asInvalid(err, &invalid) {
			// Stale beacons answer 404/410; hand the status back so the
			// caller can refresh and retry once.
			return invalid.Status, nil
		}
		return status, err
	}
	return status, nil
}

func asInvalid(err error, target **gql.RequestInvalidError) bool {
	for err != nil {
		if e, ok := err.(*gql.RequestInvalidError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// maybeExtrapolate bumps the active drop by one minute when no
// authoritative report arrived within a heartbeat interval plus grace.
func (s *Service) maybeExtrapolate(ctx context.Context) {
	active, ok := s.snapshot()
	if !ok || active.dropID == "" {
		return
	}

	grace := s.interval() + constants.ProgressReportGrace
	if !active.lastReportAt.IsZero() && time.Since(active.lastReportAt) < grace {
		return
	}

	campaign, drop, bumped := s.inv.BumpMinute(active.dropID)
	if !bumped {
		return
	}

	s.publishProgress(campaign, drop)

	if drop.IsComplete() {
		s.completeDrop(ctx, campaign, drop)
	}
}

// HandleUserDrops processes the authoritative user-drops events from
// the real-time channel.
func (s *Service) HandleUserDrops(ctx context.Context, ev *model.PubSubEvent) {
	switch ev.Kind {
	case model.EventDropProgress:
		s.handleProgress(ctx, ev)
	case model.EventDropClaim:
		// A ready-to-claim event is claimed by the inventory fetch the
		// state machine forces for it; only a reported claim is recorded.
		if ev.DropClaim != nil && ev.DropClaim.Claimed {
			s.inv.MarkClaimedByServer(ev.DropClaim.DropID)
		}
	case model.EventStreamState, model.EventStreamUpdate, model.EventNotification:
		// Not user-drops events; other handlers own them.
	}
}

// handleProgress applies an authoritative (drop_id, minutes, at) tuple.
// A report naming a different drop than expected means the platform is
// crediting a sibling; the active drop is re-resolved via the current
// session context.
func (s *Service) handleProgress(ctx context.Context, ev *model.PubSubEvent) {
	report := ev.DropProgress
	if report == nil {
		return
	}

	s.mu.Lock()
	var activeCopy watchContext
	haveActive := s.active != nil
	if haveActive {
		s.active.lastReportAt = ev.At
		activeCopy = *s.active
	}
	s.mu.Unlock()

	campaign, drop, applied := s.inv.ReportProgress(report.DropID, report.CurrentMinutes, ev.At)
	if campaign == nil {
		s.log.Debug("Progress report for unknown drop", "drop_id", report.DropID)
		return
	}
	if !applied {
		return
	}

	if haveActive && activeCopy.dropID != "" && activeCopy.dropID != report.DropID {
		s.reResolveActive(ctx, activeCopy)
	}

	s.mu.Lock()
	watched := s.active != nil && s.active.dropID == drop.ID
	s.mu.Unlock()

	if watched {
		s.publishProgress(campaign, drop)
	}

	if drop.IsComplete() && !drop.IsClaimed {
		s.completeDrop(ctx, campaign, drop)
	}
}

// reResolveActive asks the platform which drop the session is actually
// progressing and retargets the watcher at it.
func (s *Service) reResolveActive(ctx context.Context, active watchContext) {
	current, err := s.client.GetCurrentDrop(ctx, active.channelID)
	if err != nil || current == nil || current.DropID == "" {
		return
	}

	s.mu.Lock()
	if s.active != nil && s.active.channelID == active.channelID {
		s.active.dropID = current.DropID
		if campaign, _, ok := s.inv.Find(current.DropID); ok {
			s.active.campaignID = campaign.ID
		}
	}
	s.mu.Unlock()

	s.log.Debug("Re-resolved active drop",
		"channel", active.login, "drop_id", current.DropID)
}

// completeDrop claims a finished drop and notifies the state machine.
func (s *Service) completeDrop(ctx context.Context, campaign *model.Campaign, drop *model.Drop) {
	if err := s.inv.ClaimDrop(ctx, campaign.ID, drop.ID); err != nil {
		s.log.Warn("Claim after completion failed", "drop", drop.Name, "error", err)
		return
	}

	s.mu.Lock()
	fn := s.onDropClaimed
	if s.active != nil && s.active.dropID == drop.ID {
		s.active.dropID = ""
	}
	s.mu.Unlock()

	s.bus.Publish(events.TypeDropProgressStop, nil)
	if fn != nil {
		fn()
	}
}

// publishProgress emits a drop_progress tick for the active drop.
func (s *Service) publishProgress(campaign *model.Campaign, drop *model.Drop) {
	s.bus.Publish(events.TypeDropProgress, events.DropProgressPayload{
		DropID:           drop.ID,
		CampaignID:       campaign.ID,
		CampaignName:     campaign.Name,
		GameName:         campaign.Game.BestName(),
		DropName:         drop.Name,
		CurrentMinutes:   drop.CurrentMinutes,
		RequiredMinutes:  drop.RequiredMinutes,
		Progress:         drop.Progress(),
		RemainingSeconds: drop.RemainingSeconds(),
	})
	s.log.Event(context.Background(), "DROP_PROGRESS", "Drop progress",
		"drop", drop.Name, "campaign", campaign.Name,
		"progress", fmt.Sprintf("%d/%d", drop.CurrentMinutes, drop.RequiredMinutes))
}
