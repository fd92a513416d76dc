package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/bridge"
	"townpass.dev/locationtracker/internal/config"
	"townpass.dev/locationtracker/internal/eventbus"
	"townpass.dev/locationtracker/internal/history"
	"townpass.dev/locationtracker/internal/logging"
	"townpass.dev/locationtracker/internal/monitoring"
	"townpass.dev/locationtracker/internal/source"
	"townpass.dev/locationtracker/internal/source/droid"
	"townpass.dev/locationtracker/internal/source/natssource"
	"townpass.dev/locationtracker/internal/store"
	"townpass.dev/locationtracker/internal/store/impl/boltstore"
	"townpass.dev/locationtracker/internal/store/impl/logstore"
	"townpass.dev/locationtracker/internal/store/impl/memstore"
	"townpass.dev/locationtracker/internal/store/impl/pgstore"
	"townpass.dev/locationtracker/internal/tracker"
	"townpass.dev/locationtracker/internal/util"
	"townpass.dev/locationtracker/internal/web"
)

func main() {
	config_path := flag.String("config", "", "path to the config file")
	hash_token := flag.String("hash_token", "", "print the bcrypt hash of an api token, for api.token_hash, and exit")
	flag.Parse()

	if *hash_token != "" {
		h, err := util.CryptPwd(*hash_token)
		if err != nil {
			panic(err)
		}
		fmt.Println(h)
		return
	}

	cfg, err := config.Load(*config_path)
	if err != nil {
		panic(err)
	}
	logcloser := logging.Setup(&logging.LogConfig{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer logcloser.Close()
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	// closed in reverse order on shutdown
	closers := []io.Closer{}

	var pool *pgxpool.Pool
	if cfg.Store.Backend == "postgres" || cfg.Archive.Enabled {
		pool, err = pgxpool.Connect(context.Background(), cfg.Store.DbUrl)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err = pgstore.EnsureSchema(context.Background(), pool); err != nil {
			logger.Fatal().Err(err).Msg("")
		}
	}

	var prefs store.Prefs
	switch cfg.Store.Backend {
	case "bolt":
		bp, err := boltstore.Open(&boltstore.BoltConfig{Path: cfg.Store.BoltPath})
		if err != nil {
			logger.Fatal().Err(err).Msg("")
		}
		closers = append(closers, bp)
		prefs = bp
	case "postgres":
		prefs = pgstore.NewPrefs(pool)
	default:
		prefs = memstore.NewPrefs()
	}

	var archive store.LocationStore
	if cfg.Archive.Enabled {
		st := pgstore.NewStore(pool, &pgstore.StoreConfig{
			Table:       cfg.Archive.Table,
			BufSize:     cfg.Archive.BufSize,
			MaxAgeFlush: cfg.Archive.MaxAgeFlush,
		})
		st.Run()
		closers = append(closers, st)
		archive = st
	} else {
		archive = logstore.NewStore()
	}

	var src source.Source
	var mon *monitoring.MonitoringServer
	switch cfg.Source.Kind {
	case "nats":
		ns := natssource.New(&natssource.NatsConfig{URL: cfg.Source.NatsUrl, Subject: cfg.Source.NatsSubject})
		if err = ns.Connect(); err != nil {
			logger.Fatal().Err(err).Msg("")
		}
		closers = append(closers, ns)
		src = ns
	default:
		ds := droid.NewServer(&droid.DroidConfig{ListenAddr: cfg.Source.DroidAddr, ReadDeadline: cfg.Source.ReadDeadline, MaxFrameSize: cfg.Source.MaxFrameSize})
		if err = ds.Listen(); err != nil {
			logger.Fatal().Err(err).Msg("")
		}
		go func() {
			if err := ds.Serve(); err != nil {
				logger.Error().Err(err).Msg("droid server stopped")
			}
		}()
		closers = append(closers, ds)
		src = ds
		if cfg.Monitor.ListenAddr != "" {
			mon = monitoring.NewMonApi(ds, &monitoring.MonitoringConfig{ListenAddr: cfg.Monitor.ListenAddr})
			go func() {
				if err := mon.Run(); err != nil {
					logger.Error().Err(err).Msg("monitoring server failed")
				}
			}()
		}
	}

	eb, err := eventbus.New(cfg.Bus.Node)
	if err != nil {
		logger.Fatal().Err(err).Msg("")
	}

	cache := history.NewCache(prefs)
	perm := tracker.StaticPermissions{Fine: cfg.Permission.Fine, Background: cfg.Permission.Background}
	trk := tracker.NewTracker(&tracker.TrackerConfig{RequireBackground: cfg.Permission.RequireBackground}, src, perm, cache,
		tracker.WithArchive(archive),
		tracker.WithPublisher(eb),
	)
	// closed first, it drains queued fixes into prefs and the archive
	closers = append(closers, trk)

	b := bridge.New(trk)
	b.Attach(eb)

	api := web.NewApi(b, cache, &web.ApiConfig{ListenAddr: cfg.Api.ListenAddr, TokenHash: cfg.Api.TokenHash})
	go func() {
		if err := api.Run(); err != nil {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("api shutdown")
	}
	if mon != nil {
		mon.Shutdown(ctx)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Error().Err(err).Msg("close failed")
		}
	}
}
