package market

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PegLedger/internal/math"
)

var (
	ErrUnsupportedMarket        = errors.New("market: unsupported market")
	ErrDuplicateMarket          = errors.New("market: market already registered")
	ErrMarketStillBacked        = errors.New("market: market still has managed backing")
	ErrUnsupportedRebalancePool = errors.New("market: unsupported rebalance pool")
	ErrDuplicateRebalancePool   = errors.New("market: rebalance pool already registered")
)

// Registry maps base-collateral keys to market metadata and tracks the
// rebalance pools authorized to wrap/redeem on behalf of users. Iteration
// order is insertion order, so bulk redemptions see a stable market order.
type Registry struct {
	order   []string
	markets map[string]*Market

	poolOrder []string
	pools     map[string]RebalancePool
}

func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
		pools:   make(map[string]RebalancePool),
	}
}

// Add registers a market. Managed defaults to zero; IssuanceCap must be set.
func (r *Registry) Add(m *Market) error {
	if m == nil || m.Key == "" {
		return fmt.Errorf("market: nil or unkeyed market")
	}
	if _, ok := r.markets[m.Key]; ok {
		return ErrDuplicateMarket
	}
	if m.IssuanceCap == nil || m.IssuanceCap.Sign() < 0 {
		return fmt.Errorf("market %s: issuance cap must be non-negative", m.Key)
	}
	if m.Managed == nil {
		m.Managed = new(big.Int)
	}

	r.markets[m.Key] = m
	r.order = append(r.order, m.Key)
	return nil
}

// Remove unregisters a market. A market that still backs stable asset
// cannot be removed: doing so would break supply conservation.
func (r *Registry) Remove(key string) error {
	m, ok := r.markets[key]
	if !ok {
		return ErrUnsupportedMarket
	}
	if m.Managed.Sign() > 0 {
		return ErrMarketStillBacked
	}

	delete(r.markets, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Registry) Get(key string) (*Market, error) {
	m, ok := r.markets[key]
	if !ok {
		return nil, ErrUnsupportedMarket
	}
	return m, nil
}

// Keys returns market keys in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// Markets returns markets in registration order.
func (r *Registry) Markets() []*Market {
	out := make([]*Market, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.markets[k])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}

// TotalManaged sums managed backing across all markets.
func (r *Registry) TotalManaged() *big.Int {
	total := new(big.Int)
	for _, k := range r.order {
		total.Add(total, r.markets[k].Managed)
	}
	return total
}

// ManagedAmounts returns per-market managed amounts in registration order.
// The returned values are copies; mutating them does not touch the registry.
func (r *Registry) ManagedAmounts() []*big.Int {
	out := make([]*big.Int, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, fpmath.Clone(r.markets[k].Managed))
	}
	return out
}

// IsUnderCollateral reports whether any market's treasury reports
// under-collateralization. This is the system-wide safety brake.
func (r *Registry) IsUnderCollateral() bool {
	for _, k := range r.order {
		if r.markets[k].Treasury.IsUnderCollateral() {
			return true
		}
	}
	return false
}

// AddPool registers a rebalance pool. The pool's market must already exist.
func (r *Registry) AddPool(p RebalancePool) error {
	if p == nil || p.Address() == "" {
		return fmt.Errorf("market: nil or unaddressed rebalance pool")
	}
	if _, ok := r.pools[p.Address()]; ok {
		return ErrDuplicateRebalancePool
	}
	if _, ok := r.markets[p.MarketKey()]; !ok {
		return ErrUnsupportedMarket
	}

	r.pools[p.Address()] = p
	r.poolOrder = append(r.poolOrder, p.Address())
	return nil
}

func (r *Registry) RemovePool(addr string) error {
	if _, ok := r.pools[addr]; !ok {
		return ErrUnsupportedRebalancePool
	}
	delete(r.pools, addr)
	for i, a := range r.poolOrder {
		if a == addr {
			r.poolOrder = append(r.poolOrder[:i], r.poolOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Registry) Pool(addr string) (RebalancePool, error) {
	p, ok := r.pools[addr]
	if !ok {
		return nil, ErrUnsupportedRebalancePool
	}
	return p, nil
}

// PoolAddresses returns rebalance pool addresses in registration order.
func (r *Registry) PoolAddresses() []string {
	addrs := make([]string, len(r.poolOrder))
	copy(addrs, r.poolOrder)
	return addrs
}
