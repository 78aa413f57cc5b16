package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roombook/internal/booking"
	"roombook/internal/config"
	"roombook/internal/ics"
	appLog "roombook/internal/log"
	"roombook/internal/poller"
	"roombook/internal/remote"
	"roombook/internal/snapshot"
	"roombook/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	appLog.Info("roombook starting", "version", version)

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the file and the environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.LogLevel = "debug"
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"remote", conf.Remote.BaseURL,
		"room_poll", conf.RoomPoll,
		"user_poll", conf.UserPoll,
		"freebusy_ttl", conf.FreeBusyTTL,
		"rooms", len(conf.Rooms),
		"linked_feeds", len(conf.LinkedFeeds),
		"snapshot", conf.SnapshotPath != "",
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("roombook failed", err)
		os.Exit(1)
	}
	appLog.Info("roombook exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	client := remote.NewClient(conf.Remote.BaseURL, conf.Remote.Timeout)

	opts := []booking.Option{
		booking.WithRooms(conf.CatalogRooms()),
		booking.WithUser(conf.SessionUser),
		booking.WithFreeBusyTTL(conf.FreeBusyTTL),
		booking.WithReauthHandler(func() {
			appLog.Warn("organizer must log in again before changes are accepted", "reauth_url", conf.ReauthURL)
		}),
	}

	if feeds := conf.Feeds(); len(feeds) > 0 {
		mirror := ics.NewMirror(ics.NewFetcher(conf.FeedCacheDir), feeds,
			ics.WithHorizonDays(conf.HorizonDays),
			ics.WithLocation(conf.Location()),
		)
		opts = append(opts, booking.WithLinkedSource(mirror))
	}

	var snap *snapshot.Store
	if conf.SnapshotPath != "" {
		var err error
		if snap, err = snapshot.Open(conf.SnapshotPath); err != nil {
			return err
		}
		defer snap.Close()
		opts = append(opts, booking.WithPersister(snap))
	}

	session := booking.New(client, opts...)

	// The loop outlives ctx so mutations in flight at shutdown can finish.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go session.Run(loopCtx)

	restored := warmStart(ctx, session, snap)
	for _, room := range session.Rooms() {
		if restored[room.ID] {
			continue
		}
		if err := session.ResyncRoom(ctx, room.ID); err != nil {
			appLog.Error("initial room load failed", err, "room", room.ID)
		}
	}

	p, err := poller.New(client, session, poller.Config{RoomSpec: conf.RoomPoll, UserSpec: conf.UserPoll})
	if err != nil {
		return err
	}
	if err := p.PollRooms(ctx); err != nil {
		appLog.Error("initial room poll failed", err)
	}
	if err := p.PollUsers(ctx); err != nil {
		appLog.Error("initial user poll failed", err)
	}
	if once {
		return nil
	}

	p.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			appLog.Warn("poller did not stop in time", "err", err)
		}
	}()

	err = web.NewServer(session, conf).Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// warmStart seeds the session from the snapshot and returns the rooms it
// restored. Rooms no longer in the catalog are ignored.
func warmStart(ctx context.Context, session *booking.Session, snap *snapshot.Store) map[string]bool {
	restored := make(map[string]bool)
	if snap == nil {
		return restored
	}
	rooms, err := snap.LoadAll(ctx)
	if err != nil {
		appLog.Error("loading snapshot failed; starting cold", err)
		return restored
	}

	catalog := make(map[string]bool)
	for _, r := range session.Rooms() {
		catalog[r.ID] = true
	}
	for _, r := range rooms {
		if !catalog[r.RoomID] {
			continue
		}
		if err := session.Restore(ctx, r.RoomID, r.Version, r.Events); err != nil {
			appLog.Error("restoring room failed", err, "room", r.RoomID)
			continue
		}
		restored[r.RoomID] = true
		appLog.Debug("room restored from snapshot", "room", r.RoomID, "version", r.Version, "saved_at", r.SavedAt, "events", len(r.Events))
	}
	appLog.Info("snapshot loaded", "rooms", len(restored))
	return restored
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/roombook/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one full poll cycle and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
