package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/slabdeck/cardsync/internal/config"
	"github.com/slabdeck/cardsync/internal/match"
	"github.com/slabdeck/cardsync/internal/provider"
	"github.com/slabdeck/cardsync/internal/store"
	syncer "github.com/slabdeck/cardsync/internal/sync"
	"github.com/slabdeck/cardsync/pkg/cardladder"
	"github.com/slabdeck/cardsync/pkg/gemrate"
	"github.com/slabdeck/cardsync/pkg/pricecharting"
)

// initStore validates config and opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
		})
	}
}

// buildSources constructs one source per enabled vendor.
func buildSources() ([]provider.Source, error) {
	var sources []provider.Source

	if v := cfg.PriceCharting; v.Enabled {
		client := pricecharting.NewClient(v.Key,
			pricecharting.WithBaseURL(v.BaseURL),
			pricecharting.WithRateLimit(v.RateRPS, v.RateBurst))
		sources = append(sources, provider.NewPriceChartingSource(client))
	}
	if v := cfg.CardLadder; v.Enabled {
		client := cardladder.NewClient(v.Key,
			cardladder.WithBaseURL(v.BaseURL),
			cardladder.WithRateLimit(v.RateRPS, v.RateBurst))
		sources = append(sources, provider.NewCardLadderSource(client))
	}
	if v := cfg.GemRate; v.Enabled {
		client := gemrate.NewClient(v.Key,
			gemrate.WithBaseURL(v.BaseURL),
			gemrate.WithRateLimit(v.RateRPS, v.RateBurst))
		sources = append(sources, provider.NewGemRateSource(client))
	}

	if len(sources) == 0 {
		return nil, eris.New("env: no vendors enabled")
	}
	return sources, nil
}

// buildEngine wires store, sources and matcher into a sync engine.
func buildEngine(st store.Store, sources []provider.Source, syncCfg config.SyncConfig) (*syncer.Engine, error) {
	tuning, err := match.LoadTuning(cfg.Matcher.TuningFile)
	if err != nil {
		return nil, err
	}

	opts := syncer.Options{
		SetsPerRun: syncCfg.SetsPerRun,
		PageLimit:  syncCfg.PageLimit,
		Workers:    syncCfg.Workers,
		ChunkSize:  syncCfg.ChunkSize,
		TimeBudget: time.Duration(syncCfg.TimeBudgetSecs) * time.Second,
	}
	return syncer.NewEngine(st, sources, match.NewSetMatcher(st, tuning), opts), nil
}
