// Command harvester is the entry point for the drops harvester. It
// resolves the data directory, wires the services together, starts the
// control surface, and manages graceful shutdown via OS signals.
//
// Exit codes: 0 normal shutdown, 1 fatal error, 2 authentication
// requires user intervention, 3 configuration error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/sorren/twitch-drops-harvester/internal/auth"
	"github.com/sorren/twitch-drops-harvester/internal/backoff"
	"github.com/sorren/twitch-drops-harvester/internal/cache"
	"github.com/sorren/twitch-drops-harvester/internal/channels"
	"github.com/sorren/twitch-drops-harvester/internal/chat"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/events"
	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/inventory"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/miner"
	"github.com/sorren/twitch-drops-harvester/internal/pubsub"
	"github.com/sorren/twitch-drops-harvester/internal/server"
	"github.com/sorren/twitch-drops-harvester/internal/settings"
	"github.com/sorren/twitch-drops-harvester/internal/watch"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitAuth   = 2
	exitConfig = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	noColor := flag.Bool("no-color", false, "Disable colored output (overrides TTY detection)")
	flag.Parse()

	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := settings.LoadEnv(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment: %v\n", err)
		return exitConfig
	}

	dataDir, err := env.ResolveDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve data directory: %v\n", err)
		return exitConfig
	}

	colored := !*noColor && term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""

	log, err := logger.Setup(logger.Config{
		Level:     logger.ParseLevel(env.LogLevel),
		FileLevel: logger.ParseLevel("DEBUG"),
		Colored:   colored,
		LogDir:    filepath.Join(dataDir, "logs"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logger: %v\n", err)
		return exitFatal
	}

	log.Info("🚀 Starting drops harvester", "data_dir", dataDir, "port", env.Port)

	store, err := settings.NewStore(dataDir)
	if err != nil {
		log.Error("Failed to load settings", "error", err)
		return exitConfig
	}

	bus := events.NewBus()
	log.SetConsoleFunc(bus.Console)

	authenticator := auth.New(dataDir, bus, log)

	limiters := backoff.NewLimiters(
		constants.GQLRateLimit, constants.GQLRateBurst,
		constants.WebRateLimit, constants.WebRateBurst,
	)
	client := gql.NewClient(authenticator.Jar(), authenticator, limiters, log)

	if proxy := store.Get().Proxy; proxy != "" {
		if err := client.SetProxy(proxy); err != nil {
			log.Error("Invalid proxy in settings", "proxy", proxy, "error", err)
			return exitConfig
		}
	}

	pool := pubsub.NewPool(authenticator, log)
	inv := inventory.New(client, authenticator, store, bus, log)
	chans := channels.New(client, pool, bus, log)
	watcher := watch.New(client, inv, chans, store, authenticator, bus, log)
	chatMgr := chat.NewManager(log)
	icons := cache.New(dataDir, client, log)

	core := miner.New(authenticator, client, pool, inv, chans, watcher, chatMgr, store, bus, log)

	srv := server.New(":"+env.Port, core, inv, chans, icons, bus, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("Received shutdown signal", "signal", sig.String())
		cancel()

		time.AfterFunc(30*time.Second, func() {
			log.Error("Graceful shutdown timed out, forcing exit")
			os.Exit(exitFatal)
		})
	}()

	go func() {
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Control surface failed", "error", err)
			cancel()
		}
	}()
	log.Info("🌐 Control surface started", "addr", ":"+env.Port)

	err = core.Run(ctx)

	switch {
	case err == nil || ctx.Err() != nil:
		log.Info("👋 Shutdown complete")
		return exitOK
	case errors.Is(err, miner.ErrAuthRequired):
		log.Error("Authentication requires user intervention", "error", err)
		return exitAuth
	default:
		log.Error("Harvester failed", "error", err)
		return exitFatal
	}
}
