package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/animate"
	"github.com/shaunagostinho/fleet-dash/internal/feed"
	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/geocode"
	"github.com/shaunagostinho/fleet-dash/internal/logger"
	"github.com/shaunagostinho/fleet-dash/internal/server"
	"github.com/shaunagostinho/fleet-dash/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Replace configured feeds with simulated vehicles")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	// Load config
	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	if *demo {
		cfg.Feeds = []feed.SourceConfig{{Type: "demo", Name: "demo"}}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logFile, err := logger.Setup(cfg.Logging, os.Stdout)
	if err != nil {
		log.WithError(err).Fatal("logger setup failed")
	}
	defer logFile.Close()
	l := log.WithField("component", "main")
	l.Info("fleetdash starting")

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		l.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	store := fleet.NewStore(cfg.Store.Fleet())
	animCfg, err := cfg.Animation.Animator()
	if err != nil {
		l.WithError(err).Fatal("animation config")
	}
	anim := animate.New(animCfg)

	// Subscribers go in before the store applies anything
	srv := server.New(cfg, store, anim, web.FS)
	defer srv.Subscribe()()

	if cfg.Geocode.Enabled {
		closeGeocode := startGeocode(cfg.Geocode, store)
		defer closeGeocode()
		l.WithField("workers", cfg.Geocode.Workers.Workers).Info("reverse geocoding enabled")
	}

	msgs := make(chan fleet.Message, 256)
	go store.Run(ctx, msgs)

	// Start every feed; each one retries on its own and the dashboard starts regardless
	var feeds sync.WaitGroup
	for _, fc := range cfg.Feeds {
		src, err := feed.New(fc)
		if err != nil {
			l.WithError(err).WithField("feed", fc.SourceName()).Error("skipping feed")
			continue
		}
		feeds.Add(1)
		go func(src feed.Source) {
			defer feeds.Done()
			if err := feed.Supervise(ctx, src, cfg.Retry, store, msgs); err != nil {
				l.WithError(err).WithField("feed", src.Name()).Error("feed stopped")
			}
		}(src)
	}

	if err := srv.Run(ctx); err != nil {
		l.WithError(err).Error("server exited")
	}
	cancel()
	feeds.Wait()
}

// startGeocode wires Nominatim, optionally behind the Redis cache, into an
// enricher subscribed to the store. stop releases both.
func startGeocode(cfg server.GeocodeConfig, store *fleet.Store) (stop func()) {
	var rev geocode.Reverser = geocode.NewNominatim(cfg.Nominatim)

	var rdb *redis.Client
	if cfg.Cache.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		rev = geocode.NewRedisCache(rdb, rev, cfg.Cache.TTL, cfg.Cache.Precision)
	}

	e := geocode.NewEnricher(store, rev, cfg.Workers)
	return func() {
		e.Close()
		if rdb != nil {
			rdb.Close()
		}
	}
}
