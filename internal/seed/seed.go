// Package seed generates synthetic index and option ticks and writes them to
// a tick store, for demos and local testing of the stream service.
package seed

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"tickstream/internal/model"

	"github.com/shopspring/decimal"
)

// Config controls the generated series.
type Config struct {
	Series      string        `env:"SERIES" envDefault:"NIFTY_SIM"`
	Backfill    int           `env:"BACKFILL" envDefault:"500"`
	OptionLegs  int           `env:"OPTION_LEGS" envDefault:"4"`
	StartPrice  float64       `env:"START_PRICE" envDefault:"25660"`
	StartTime   int64         `env:"START_TIME"` // unix seconds; 0 = now - Backfill*Step
	Step        time.Duration `env:"STEP" envDefault:"1s"`
	Live        bool          `env:"LIVE" envDefault:"true"`
	Interval    time.Duration `env:"INTERVAL" envDefault:"1s"`
	IndexToken  int64         `env:"INDEX_TOKEN" envDefault:"26000"`
	Exchange    string        `env:"EXCHANGE" envDefault:"NSE"`
	Symbol      string        `env:"SYMBOL" envDefault:"NIFTY"`
	RandomSeed  int64         `env:"RANDOM_SEED"`
	StrikeWidth float64       `env:"STRIKE_WIDTH" envDefault:"50"`
}

// Generator produces one index tick per step plus OptionLegs option ticks
// sharing its feed time. Prices follow a random walk of at most 0.1% per step.
type Generator struct {
	cfg   Config
	rng   *rand.Rand
	price float64
	ft    int64
	step  int64
}

// NewGenerator creates a generator positioned at cfg.StartTime.
func NewGenerator(cfg Config) *Generator {
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	step := int64(cfg.Step / time.Second)
	if step <= 0 {
		step = 1
	}
	start := cfg.StartTime
	if start == 0 {
		start = time.Now().Unix() - int64(cfg.Backfill)*step
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 1000
	}
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		price: cfg.StartPrice,
		ft:    start,
		step:  step,
	}
}

// FeedTime returns the feed time of the next tick.
func (g *Generator) FeedTime() int64 { return g.ft }

// Next advances one step.
func (g *Generator) Next() (model.Tick, []model.Tick) {
	prev := g.price
	pct := (g.rng.Float64()*0.2 - 0.1) / 100
	g.price = round2(math.Max(prev*(1+pct), 0.05))

	ft := g.ft
	g.ft += g.step
	rt := time.Unix(ft, 0).UTC().Format(time.RFC3339)

	index := model.Tick{
		FeedTime:        ft,
		InstrumentToken: g.cfg.IndexToken,
		Exchange:        g.cfg.Exchange,
		LastPrice:       g.price,
		PriceChange:     round2(g.price - prev),
		RecordTime:      rt,
		TradingSymbol:   g.cfg.Symbol,
	}

	legs := make([]model.Tick, 0, g.cfg.OptionLegs)
	atm := math.Round(g.price/g.cfg.StrikeWidth) * g.cfg.StrikeWidth
	for i := 0; i < g.cfg.OptionLegs; i++ {
		strike := atm + float64(i-g.cfg.OptionLegs/2)*g.cfg.StrikeWidth
		intrinsic := math.Max(g.price-strike, 0)
		premium := round2(intrinsic + 20 + g.rng.Float64()*5)
		legs = append(legs, model.Tick{
			FeedTime:        ft,
			InstrumentToken: g.cfg.IndexToken*100 + int64(i) + 1,
			Exchange:        "NFO",
			LastPrice:       premium,
			RecordTime:      rt,
			TradingSymbol:   fmt.Sprintf("%s%.0fCE", g.cfg.Symbol, strike),
		})
	}
	return index, legs
}

func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// Backfill writes n steps in batches.
func Backfill(ctx context.Context, w model.TickWriter, g *Generator, series string, n int) error {
	if err := w.EnsureSeries(ctx, series); err != nil {
		return err
	}
	const batch = 500
	for done := 0; done < n; {
		size := min(batch, n-done)
		index := make([]model.Tick, 0, size)
		var legs []model.Tick
		for i := 0; i < size; i++ {
			t, o := g.Next()
			index = append(index, t)
			legs = append(legs, o...)
		}
		if err := w.InsertTicks(ctx, series, model.IndexTick, index); err != nil {
			return fmt.Errorf("backfill index: %w", err)
		}
		if len(legs) > 0 {
			if err := w.InsertTicks(ctx, series, model.OptionTick, legs); err != nil {
				return fmt.Errorf("backfill options: %w", err)
			}
		}
		done += size
	}
	log.Printf("[tickseed] backfilled %d index ticks into %s", n, series)
	return nil
}

// Live appends one step every interval until ctx is cancelled. Option legs
// are written before the index tick so a tailing reader that sees the index
// tick also finds its legs.
func Live(ctx context.Context, w model.TickWriter, g *Generator, series string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			index, legs := g.Next()
			if len(legs) > 0 {
				if err := w.InsertTicks(ctx, series, model.OptionTick, legs); err != nil {
					return fmt.Errorf("live options: %w", err)
				}
			}
			if err := w.InsertTicks(ctx, series, model.IndexTick, []model.Tick{index}); err != nil {
				return fmt.Errorf("live index: %w", err)
			}
		}
	}
}
