// Package server exposes the control surface: a JSON HTTP API for the
// inbound control operations and a WebSocket push channel that streams
// every outbound bus event to connected UI clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sorren/twitch-drops-harvester/internal/cache"
	"github.com/sorren/twitch-drops-harvester/internal/channels"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/inventory"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/miner"
)

// Server is the HTTP control surface.
type Server struct {
	addr string

	miner *miner.Miner
	inv   *inventory.Service
	chans *channels.Service
	icons *cache.ImageCache
	bus   *events.Bus
	log   *logger.Logger

	upgrader websocket.Upgrader
}

// New creates a Server.
func New(addr string, m *miner.Miner, inv *inventory.Service, chans *channels.Service, icons *cache.ImageCache, bus *events.Bus, log *logger.Logger) *Server {
	return &Server{
		addr:  addr,
		miner: m,
		inv:   inv,
		chans: chans,
		icons: icons,
		bus:   bus,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with the API and push routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	api := router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/channels", s.getChannels)
		api.GET("/inventory", s.getInventory)
		api.GET("/settings", s.getSettings)
		api.POST("/settings", s.setSettings)
		api.GET("/cache/:hash", s.getCachedImage)

		control := api.Group("/control")
		{
			control.POST("/select_channel", s.selectChannel)
			control.POST("/exit_manual_mode", s.exitManualMode)
			control.POST("/reload", s.reload)
			control.POST("/verify_proxy", s.verifyProxy)
		}
	}

	router.GET("/ws", s.handleWebSocket)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Control surface shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleWebSocket upgrades a client and streams bus events to it. The
// current state is replayed first so late joiners render immediately.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, cancel := s.bus.Subscribe(256)
	defer cancel()

	for _, ev := range s.initialState() {
		if err := s.writeEvent(conn, ev); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev events.Event) error {
	frame, err := ev.MarshalFrame()
	if err != nil {
		s.log.Warn("Failed to marshal event frame", "type", ev.Type, "error", err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// initialState builds the replay for a fresh push client.
func (s *Server) initialState() []events.Event {
	channelsList := s.chans.Channels()
	channelPayloads := make([]events.ChannelPayload, 0, len(channelsList))
	for _, ch := range channelsList {
		channelPayloads = append(channelPayloads, events.NewChannelPayload(ch))
	}

	out := []events.Event{
		{Type: events.TypeStatusUpdate, Data: events.StatusPayload{Status: s.bus.LastStatus()}},
		{Type: events.TypeChannelsBatch, Data: channelPayloads},
		{Type: events.TypeInventoryBatch, Data: s.inv.Campaigns()},
		{Type: events.TypeWantedItemsUpdate, Data: s.inv.WantedItems()},
		{Type: events.TypeSettingsUpdated, Data: s.miner.Settings()},
	}

	if id := s.chans.WatchingID(); id != "" {
		out = append(out, events.Event{
			Type: events.TypeChannelWatching,
			Data: events.ChannelWatchingPayload{ID: id},
		})
	}
	return out
}
