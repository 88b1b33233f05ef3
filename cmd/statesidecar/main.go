// The statesidecar process owns the canonical aggregation-state database.
// Workers in the ingestion daemon talk to it over a unix socket; keeping the
// SQLite writer in its own process means an ingestd crash never corrupts the
// state DB mid-write.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"footprint-systemv1/config"
	"footprint-systemv1/internal/sidecar"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[statesidecar] starting...")

	cfg := config.Load()

	if dir := filepath.Dir(cfg.StateDBPath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}

	srv, err := sidecar.NewServer(cfg.StateDBPath)
	if err != nil {
		log.Fatalf("[statesidecar] open state db: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[statesidecar] shutdown signal received")
		cancel()
	}()

	log.Printf("[statesidecar] serving %s on %s", cfg.StateDBPath, cfg.SidecarSocket)
	if err := srv.Serve(ctx, cfg.SidecarSocket); err != nil && ctx.Err() == nil {
		log.Fatalf("[statesidecar] serve: %v", err)
	}
	log.Println("[statesidecar] shutdown complete.")
}
