package signal

import (
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	fpmath "PegLedger/internal/math"
)

// Health is one market's treasury state as last reported over NATS.
// Ratios are 1e18 fixed point.
type Health struct {
	CollateralRatio *big.Int
	StabilityRatio  *big.Int
	Nav             *big.Int
	PriceValid      bool
	UnderCollateral bool
	UpdatedAt       time.Time
}

// Cache holds the latest health signal per market. Signal ingestion writes
// concurrently with engine reads, so access is guarded; the engine only sees
// whatever signal was freshest when its operation took the lock.
type Cache struct {
	mu      sync.RWMutex
	markets map[string]Health
	log     zerolog.Logger
}

func NewCache(log zerolog.Logger) *Cache {
	return &Cache{
		markets: make(map[string]Health),
		log:     log,
	}
}

// Apply stores a market's latest health signal.
func (c *Cache) Apply(marketKey string, h Health) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, known := c.markets[marketKey]
	if known && h.UpdatedAt.Before(prev.UpdatedAt) {
		c.log.Debug().
			Str("market", marketKey).
			Time("stale", h.UpdatedAt).
			Time("current", prev.UpdatedAt).
			Msg("dropping stale health signal")
		return
	}
	c.markets[marketKey] = Health{
		CollateralRatio: fpmath.Clone(h.CollateralRatio),
		StabilityRatio:  fpmath.Clone(h.StabilityRatio),
		Nav:             fpmath.Clone(h.Nav),
		PriceValid:      h.PriceValid,
		UnderCollateral: h.UnderCollateral,
		UpdatedAt:       h.UpdatedAt,
	}
}

// Get returns the last signal for a market and whether one exists.
func (c *Cache) Get(marketKey string) (Health, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.markets[marketKey]
	return h, ok
}

// View returns a Treasury bound to one market's cached signals.
//
// A market with no signal yet reports an invalid price and a zero collateral
// ratio, which blocks issuance while leaving redemption paths open.
func (c *Cache) View(marketKey string) *MarketView {
	return &MarketView{cache: c, key: marketKey}
}

// MarketView implements market.Treasury over the cache.
type MarketView struct {
	cache *Cache
	key   string
}

func (v *MarketView) IsUnderCollateral() bool {
	h, ok := v.cache.Get(v.key)
	return ok && h.UnderCollateral
}

func (v *MarketView) CollateralRatio() *big.Int {
	h, ok := v.cache.Get(v.key)
	if !ok {
		return new(big.Int)
	}
	return fpmath.Clone(h.CollateralRatio)
}

func (v *MarketView) StabilityRatio() *big.Int {
	h, ok := v.cache.Get(v.key)
	if !ok {
		return new(big.Int)
	}
	return fpmath.Clone(h.StabilityRatio)
}

func (v *MarketView) IsBaseTokenPriceValid() bool {
	h, ok := v.cache.Get(v.key)
	return ok && h.PriceValid
}
