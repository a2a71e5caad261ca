package collab

import (
	"math/big"

	"PegLedger/internal/market"
	"PegLedger/internal/signal"
)

// Resolver builds market and pool bindings from a market key: share token
// and redemption contract are NATS clients, treasury health comes from the
// signal cache. Satisfies the engine's MarketResolver.
type Resolver struct {
	client  *Client
	signals *signal.Cache
}

func NewResolver(client *Client, signals *signal.Cache) *Resolver {
	return &Resolver{client: client, signals: signals}
}

func (r *Resolver) ResolveMarket(key string, issuanceCap *big.Int) (*market.Market, error) {
	return &market.Market{
		Key:          key,
		WrappedToken: r.client.FToken(key),
		Treasury:     r.signals.View(key),
		Contract:     r.client.Contract(key),
		IssuanceCap:  issuanceCap,
		Managed:      new(big.Int),
	}, nil
}

func (r *Resolver) ResolvePool(addr, marketKey string) (market.RebalancePool, error) {
	return r.client.Pool(addr, marketKey), nil
}
