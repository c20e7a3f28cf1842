// Command core runs the fleet management control plane: the agent and
// observer WebSocket endpoints, the REST facade, and the background
// sweepers (heartbeat offline detection, command deadline sweep, metric
// retention). Configuration is environment-driven (see internal/config);
// startup/shutdown follows the reference bootstrap's listen-then-wait-
// for-signal-then-Shutdown(ctx) shape.
package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetcore/fleetcore/internal/auth"
	"github.com/fleetcore/fleetcore/internal/broadcaster"
	"github.com/fleetcore/fleetcore/internal/cache"
	"github.com/fleetcore/fleetcore/internal/config"
	"github.com/fleetcore/fleetcore/internal/dispatcher"
	"github.com/fleetcore/fleetcore/internal/heartbeat"
	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/metrics"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/restapi"
	"github.com/fleetcore/fleetcore/internal/retention"
	"github.com/fleetcore/fleetcore/internal/snapshotcache"
	"github.com/fleetcore/fleetcore/internal/store"
	"github.com/fleetcore/fleetcore/internal/wsserver"
)

func main() {
	cfg := config.Load()
	logging.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logging.Log

	log.Info().Str("store_path", cfg.StorePath).Msg("opening store")
	st, err := store.Open(store.Config{Path: cfg.StorePath})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	authn, err := auth.LoadOrGenerate(cfg.SecretPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load or generate shared secret")
	}

	cacheCfg := cache.Config{Enabled: cfg.RedisURL != ""}
	if cacheCfg.Enabled {
		if u, perr := url.Parse(cfg.RedisURL); perr == nil {
			cacheCfg.Host, cacheCfg.Port = u.Hostname(), u.Port()
			cacheCfg.Password, _ = u.User.Password()
		}
		if cacheCfg.Port == "" {
			cacheCfg.Port = "6379"
		}
	}
	sharedCache, err := cache.NewCache(cacheCfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis cache unavailable, continuing without it")
		sharedCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer sharedCache.Close()

	snapshot := snapshotcache.New(sharedCache)

	regEvents := make(chan registry.Event, 256)
	reg := registry.New(regEvents)

	metricsChanged := make(chan metrics.Changed, 256)
	ing := metrics.New(st, reg, snapshot, metricsChanged)

	disp := dispatcher.New(dispatcher.Config{
		Workers:   cfg.DispatcherWorkers,
		QueueSize: cfg.DispatcherQueueSize,
	}, st, reg)
	disp.Start()
	defer disp.Stop()

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := disp.Recover(recoverCtx); err != nil {
		log.Error().Err(err).Msg("failed to recover in-flight commands on startup")
	}
	recoverCancel()

	mon := heartbeat.New(heartbeat.Config{
		OfflineThreshold: time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
	}, st, reg)
	go mon.Run()
	defer mon.Stop()

	bc := broadcaster.New(st, reg, snapshot, regEvents, metricsChanged)
	go bc.Run()
	defer bc.Stop()

	pruner := retention.New(st, cfg.MetricsRetentionDays, "")
	if err := pruner.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start metric retention sweep")
	}
	defer pruner.Stop()

	ws := wsserver.New(reg, st, ing, disp, bc, authn)
	api := restapi.New(st, reg, snapshot, disp, authn)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	group := router.Group("/api/v1")
	api.RegisterRoutes(group)
	router.GET("/api/v1/ws", gin.WrapF(ws.HandleAgent))
	router.GET("/ws/node", gin.WrapF(ws.HandleAgent)) // deprecated alias
	router.GET("/ws/client", gin.WrapF(ws.HandleObserver))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
}
