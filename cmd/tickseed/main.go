// Command tickseed fills a tick store series with a synthetic random walk and
// optionally keeps appending live ticks so a stream session has data to tail.
//
// Config (env vars): TICK_STORE, SQLITE_PATH, POSTGRES_* as for streamd,
// plus SEED_SERIES, SEED_BACKFILL, SEED_OPTION_LEGS, SEED_LIVE,
// SEED_INTERVAL, SEED_START_PRICE, SEED_RANDOM_SEED.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"tickstream/config"
	"tickstream/internal/model"
	"tickstream/internal/seed"
	"tickstream/internal/store/postgres"
	"tickstream/internal/store/sqlite"
)

type seedEnv struct {
	Seed seed.Config `envPrefix:"SEED_"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	_ = godotenv.Load()
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("[tickseed] %v", err)
	}
	var se seedEnv
	if err := env.Parse(&se); err != nil {
		log.Fatalf("[tickseed] seed config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w, err := openWriter(ctx, cfg)
	if err != nil {
		log.Fatalf("[tickseed] open %s: %v", cfg.TickStore, err)
	}
	defer w.Close()

	g := seed.NewGenerator(se.Seed)
	if err := seed.Backfill(ctx, w, g, se.Seed.Series, se.Seed.Backfill); err != nil {
		log.Fatalf("[tickseed] backfill: %v", err)
	}
	if !se.Seed.Live {
		return
	}

	log.Printf("[tickseed] appending live ticks to %s every %s (Ctrl+C to stop)", se.Seed.Series, se.Seed.Interval)
	if err := seed.Live(ctx, w, g, se.Seed.Series, se.Seed.Interval); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[tickseed] live: %v", err)
	}
}

func openWriter(ctx context.Context, cfg *config.Config) (model.TickWriter, error) {
	if cfg.TickStore == config.StorePostgres {
		st, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	w, err := sqlite.NewWriter(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return w, nil
}
