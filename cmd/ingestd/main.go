package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"footprint-systemv1/config"
	"footprint-systemv1/internal/bus"
	"footprint-systemv1/internal/ingest"
	"footprint-systemv1/internal/logger"
	"footprint-systemv1/internal/metrics"
	"footprint-systemv1/internal/model"
	"footprint-systemv1/internal/notification"
	"footprint-systemv1/internal/pool"
	"footprint-systemv1/internal/sidecar"
	filestore "footprint-systemv1/internal/store/file"
	redisstore "footprint-systemv1/internal/store/redis"
	"footprint-systemv1/internal/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[ingestd] starting...")

	cfg := config.Load()
	repo := config.NewSymbolRepo(cfg)
	venueID := model.Venue(strings.ToUpper(cfg.Venue))
	if !model.ValidInterval(cfg.Interval) {
		log.Fatalf("[ingestd] unknown interval %q", cfg.Interval)
	}

	slg := logger.Init("ingestd", slog.LevelInfo)
	slg.Info("configuration loaded",
		slog.String("venue", string(venueID)),
		slog.String("interval", cfg.Interval),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("workers", cfg.WorkerCount),
	)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Notifier for critical alerts ----
	var notifier notification.Notifier = notification.NewLogNotifier()
	if cfg.WebhookURL != "" {
		notifier = notification.Multi{
			notification.NewLogNotifier(),
			notification.NewWebhookNotifier(cfg.WebhookURL),
		}
	}

	// ---- Context & signals ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Persistence sidecar ----
	if cfg.SidecarBinary != "" {
		sup := sidecar.NewSupervisor(sidecar.SupervisorConfig{
			Binary: cfg.SidecarBinary,
		})
		sup.OnCritical = func(reason string) {
			notifier.Send(ctx, notification.Alert{
				Level:   notification.AlertCritical,
				Title:   "sidecar restart limit exhausted",
				Message: reason,
			})
		}
		go sup.Run(ctx)
		log.Printf("[ingestd] supervising sidecar %s", cfg.SidecarBinary)
	}

	states := sidecar.NewClient(cfg.SidecarSocket)
	defer states.Close()

	// ---- File store ----
	store, err := filestore.New(filestore.StoreConfig{
		BaseDir:       cfg.DataDir,
		WriteMetadata: true,
	})
	if err != nil {
		log.Fatalf("[ingestd] file store init failed: %v", err)
	}
	defer store.Close()
	store.OnDuplicate = func() { prom.FileSaveDuplicates.Inc() }
	health.SetFileStoreOK(true)
	log.Printf("[ingestd] file store ready at %s", cfg.DataDir)

	// ---- Redis publisher (optional) ----
	var redisPub *redisstore.Publisher
	var bufferedPub *redisstore.BufferedPublisher
	if cfg.RedisAddr != "" {
		redisPub, err = redisstore.New(redisstore.PublisherConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[ingestd] WARNING: redis init failed: %v (continuing without redis)", err)
			health.SetRedisConnected(false)
		} else {
			cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
				log.Printf("[ingestd] redis circuit breaker: %s -> %s", from, to)
			}
			bufferedPub = redisstore.NewBufferedPublisher(ctx, redisPub, cb, 10000)
			bufferedPub.OnBuffer = func() { prom.RedisBufferedCandles.Inc() }
			health.SetRedisConnected(true)
			log.Println("[ingestd] redis publisher ready")
		}
	}

	// ---- Liveness checks ----
	if redisPub != nil {
		health.StartLivenessChecker(ctx, redisPub.Client(), states, 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, states, 10*time.Second)
	}

	// ---- Fan-out for completed candles (file store + Redis) ----
	candleCh := make(chan *model.FootprintCandle, 5000)
	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}

	fileCh := fanout.Subscribe()
	var redisCh <-chan *model.FootprintCandle
	if bufferedPub != nil {
		redisCh = fanout.Subscribe()
	}

	go fanout.Run(ctx, candleCh)

	go func() {
		for c := range fileCh {
			start := time.Now()
			if err := store.Save(c); err != nil {
				log.Printf("[ingestd] file save failed for %s: %v", c.Key(), err)
				continue
			}
			prom.FileSaveDur.Observe(time.Since(start).Seconds())
		}
	}()
	if bufferedPub != nil {
		go bufferedPub.Run(ctx, redisCh)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, s := range fanout.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues("fanout_" + strconv.Itoa(i)).Set(pct)
					}
				}
			}
		}
	}()

	// ---- Worker pool ----
	workers := pool.New(pool.Config{
		Workers:       cfg.WorkerCount,
		Venue:         venueID,
		Interval:      cfg.Interval,
		States:        states,
		Gaps:          states,
		SidecarSocket: cfg.SidecarSocket,
		Emit: func(c *model.FootprintCandle) {
			prom.CandlesTotal.Inc()
			prom.CandleLag.Set(float64(time.Now().UnixMilli()-c.CloseTime) / 1000.0)
			select {
			case candleCh <- c:
			default:
				log.Printf("[ingestd] candle channel full, dropping %s", c.Key())
			}
		},
	})
	workers.OnWorkerCrash = func(workerID string) {
		prom.WorkerCrashes.WithLabelValues(workerID).Inc()
	}
	workers.OnCritical = func(reason string) {
		health.SetWorkersOK(false)
		notifier.Send(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "worker permanently failed",
			Message: reason,
			Venue:   string(venueID),
		})
	}

	// ---- Venue stream ----
	wsURL, err := repo.WSURL(venueID)
	if err != nil {
		log.Fatalf("[ingestd] %v", err)
	}

	var orch *ingest.Orchestrator
	connCfg := venue.Config{
		Venue: venueID,
		URL:   wsURL,
		OnTrade: func(t *model.Trade) {
			prom.TradesTotal.Inc()
			health.SetLastTradeTime(time.Now())
			orch.HandleTrade(t)
		},
	}

	var stream ingest.Stream
	if venueID == model.VenueBinance {
		// Binance severs connections at the 24h mark; rotate ahead of it.
		rot := venue.NewRotator(venue.RotatorConfig{Conn: connCfg})
		rot.OnRotate = func() { prom.WSRotations.Inc() }
		stream = rot
	} else {
		conn := venue.NewConnector(connCfg)
		conn.OnReconnect = func() { prom.WSReconnects.Inc() }
		stream = conn
	}

	// ---- REST gap recovery (Binance only) ----
	ingCfg := ingest.Config{
		Venue:    venueID,
		Interval: cfg.Interval,
		Repo:     repo,
		Pool:     workers,
		Stream:   stream,
		Gaps:     states,
		States:   states,
	}
	if restURL, err := repo.RESTURL(venueID); err == nil {
		recovery := venue.NewRecovery(restURL)
		recovery.OnRateLimited = func() { prom.RESTRateLimited.Inc() }
		ingCfg.Recovery = recovery
	}

	// ---- Orchestrator ----
	orch = ingest.New(ingCfg)
	orch.OnCritical = func(reason string) {
		notifier.Send(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "ingestion degraded",
			Message: reason,
			Venue:   string(venueID),
		})
	}

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("[ingestd] orchestrator start failed: %v", err)
	}
	health.SetWorkersOK(true)

	// Mirror orchestrator state into the health endpoint.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := orch.GetStatus(ctx)
				if err != nil {
					continue
				}
				health.SetStandby(st.Standby)
				health.SetSymbolCount(len(st.Symbols))
				health.SetWSConnected(st.ConnState == "CONNECTED")

				var dups, gaps int64
				for _, w := range st.Workers {
					prom.WorkerInboxDepth.WithLabelValues(w.WorkerID).Set(float64(w.InboxDepth))
					dups += w.Duplicates
					gaps += w.GapsDetected
				}
				prom.DuplicateDrop.Set(float64(dups))
				prom.GapsDetected.Set(float64(gaps))
				prom.GapsRecovered.Set(float64(orch.GetHealthMetrics().GapsRecovered))
				prom.SidecarBuffered.Set(float64(states.PendingDirty()))
			}
		}
	}()

	st, err := orch.GetStatus(ctx)
	if err != nil {
		log.Fatalf("[ingestd] status: %v", err)
	}
	if st.Standby {
		log.Printf("[ingestd] pipeline ready — standby (no active symbols), venue=%s interval=%s", venueID, cfg.Interval)
	} else {
		log.Printf("[ingestd] pipeline ready — venue=%s interval=%s symbols=%v", venueID, cfg.Interval, st.Symbols)
	}

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[ingestd] shutdown signal received, cleaning up...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	orch.Stop(stopCtx)
	stopCancel()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if redisPub != nil {
		redisPub.Close()
	}

	log.Println("[ingestd] shutdown complete.")
}
