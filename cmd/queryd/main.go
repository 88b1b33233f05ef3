// The queryd process serves HTTP range queries over the period files that
// ingestd writes. It opens the data directory read-mostly; candle writes stay
// in the ingestion daemon.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"footprint-systemv1/config"
	"footprint-systemv1/internal/api"
	"footprint-systemv1/internal/logger"
	filestore "footprint-systemv1/internal/store/file"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[queryd] starting...")

	cfg := config.Load()
	slg := logger.Init("queryd", slog.LevelInfo)
	slg.Info("configuration loaded", slog.String("data_dir", cfg.DataDir), slog.String("addr", cfg.APIAddr))

	store, err := filestore.New(filestore.StoreConfig{BaseDir: cfg.DataDir})
	if err != nil {
		log.Fatalf("[queryd] open file store: %v", err)
	}
	defer store.Close()

	router := api.NewRouter(store, nil)
	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: router,
	}

	go func() {
		log.Printf("[queryd] listening on %s (data dir %s)", cfg.APIAddr, cfg.DataDir)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[queryd] server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[queryd] shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Println("[queryd] shutdown complete.")
}
