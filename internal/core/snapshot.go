package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"PegLedger/internal/event"
	fpmath "PegLedger/internal/math"
)

// SnapshotState is the engine's full recoverable state. It marshals to JSON
// for storage; amounts travel as decimal strings via big.Int's marshaler.
type SnapshotState struct {
	Sequence       int64            `json:"sequence"`
	PrevHash       []byte           `json:"prev_hash"`
	LegacySupply   *big.Int         `json:"legacy_supply"`
	Markets        []MarketSnapshot `json:"markets"`
	Pools          []PoolSnapshot   `json:"pools"`
	ReserveOwned   *big.Int         `json:"reserve_owned"`
	ReserveManaged *big.Int         `json:"reserve_managed"`
	CreatedAt      time.Time        `json:"created_at"`
}

type MarketSnapshot struct {
	Key         string   `json:"key"`
	IssuanceCap *big.Int `json:"issuance_cap"`
	Managed     *big.Int `json:"managed"`
}

type PoolSnapshot struct {
	Address string `json:"address"`
	Market  string `json:"market"`
}

// Snapshot captures the current state for persistence.
func (e *Engine) Snapshot() SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.hasher.GetPrevHash()
	snap := SnapshotState{
		Sequence:       e.sequence,
		PrevHash:       append([]byte(nil), prev[:]...),
		LegacySupply:   fpmath.Clone(e.legacySupply),
		ReserveOwned:   e.reserve.Owned(),
		ReserveManaged: e.reserve.Managed(),
		CreatedAt:      e.clock().UTC(),
	}
	for _, m := range e.registry.Markets() {
		snap.Markets = append(snap.Markets, MarketSnapshot{
			Key:         m.Key,
			IssuanceCap: fpmath.Clone(m.IssuanceCap),
			Managed:     fpmath.Clone(m.Managed),
		})
	}
	for _, addr := range e.registry.PoolAddresses() {
		p, err := e.registry.Pool(addr)
		if err != nil {
			continue
		}
		snap.Pools = append(snap.Pools, PoolSnapshot{Address: addr, Market: p.MarketKey()})
	}
	return snap
}

// Restore loads a snapshot into an empty engine, rebinding markets and
// pools through the resolver.
func (e *Engine) Restore(snap SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registry.Len() != 0 || e.legacySupply.Sign() != 0 {
		return fmt.Errorf("restore requires an empty engine")
	}
	if e.resolver == nil && (len(snap.Markets) > 0 || len(snap.Pools) > 0) {
		return fmt.Errorf("restore requires a market resolver")
	}

	for _, ms := range snap.Markets {
		m, err := e.resolver.ResolveMarket(ms.Key, fpmath.Clone(ms.IssuanceCap))
		if err != nil {
			return fmt.Errorf("resolve market %s: %w", ms.Key, err)
		}
		m.Managed = fpmath.Clone(ms.Managed)
		if err := e.registry.Add(m); err != nil {
			return fmt.Errorf("restore market %s: %w", ms.Key, err)
		}
	}
	for _, ps := range snap.Pools {
		p, err := e.resolver.ResolvePool(ps.Address, ps.Market)
		if err != nil {
			return fmt.Errorf("resolve pool %s: %w", ps.Address, err)
		}
		if err := e.registry.AddPool(p); err != nil {
			return fmt.Errorf("restore pool %s: %w", ps.Address, err)
		}
	}

	e.legacySupply = fpmath.Clone(snap.LegacySupply)
	e.reserve.Restore(snap.ReserveOwned, snap.ReserveManaged)
	e.sequence = snap.Sequence

	if len(snap.PrevHash) == 32 {
		var prev [32]byte
		copy(prev[:], snap.PrevHash)
		e.hasher = NewStateHasherAt(prev)
	}

	e.postCheckConservation()
	return nil
}

// ReplayEvent re-applies one persisted operation's state deltas without
// touching any collaborator, and returns the recomputed state hash so the
// caller can verify it against the stored envelope.
func (e *Engine) ReplayEvent(t event.Type, payload []byte) ([32]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var zero [32]byte
	if err := e.applyReplay(t, payload); err != nil {
		return zero, err
	}

	hash := e.hasher.ComputeHash(e.sequence, e.stateDigest())
	e.sequence++
	e.postCheckConservation()
	return hash, nil
}

func (e *Engine) applyReplay(t event.Type, payload []byte) error {
	switch t {
	case event.TypeWrapped:
		var p event.Wrapped
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		m, err := e.registry.Get(p.Market)
		if err != nil {
			return err
		}
		m.Managed.Add(m.Managed, p.Minted)
		e.legacySupply.Add(e.legacySupply, p.Minted)

	case event.TypeUnwrapped:
		var p event.Unwrapped
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		m, err := e.registry.Get(p.Market)
		if err != nil {
			return err
		}
		m.Managed.Sub(m.Managed, p.Burned)
		e.legacySupply.Sub(e.legacySupply, p.Burned)

	case event.TypeRedeemed:
		var p event.Redeemed
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		m, err := e.registry.Get(p.Market)
		if err != nil {
			return err
		}
		m.Managed.Sub(m.Managed, p.Used)
		e.legacySupply.Sub(e.legacySupply, p.Used)

	case event.TypeAutoRedeemed:
		var p event.AutoRedeemed
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		for _, leg := range p.Legs {
			m, err := e.registry.Get(leg.Market)
			if err != nil {
				return err
			}
			m.Managed.Sub(m.Managed, leg.Used)
		}
		e.legacySupply.Sub(e.legacySupply, p.Burned)

	case event.TypeDirectMinted, event.TypeDirectBurned:
		// Direct supply changes bypass the ledgered state.

	case event.TypeReserveFunded:
		var p event.ReserveFunded
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if err := e.reserve.Fund(p.AmountIn, p.StableAmount); err != nil {
			return err
		}

	case event.TypeBuybackExecuted:
		var p event.BuybackExecuted
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.reserve.Spend(p.AmountIn)
		e.reserve.Retire(p.Expected)

	case event.TypeBuybackFailed:
		var p event.BuybackFailed
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.reserve.Spend(p.AmountIn)

	case event.TypeMarketAdded:
		var p event.MarketAdded
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if e.resolver == nil {
			return fmt.Errorf("replay of market_added requires a resolver")
		}
		m, err := e.resolver.ResolveMarket(p.Market, fpmath.Clone(p.IssuanceCap))
		if err != nil {
			return fmt.Errorf("resolve market %s: %w", p.Market, err)
		}
		if err := e.registry.Add(m); err != nil {
			return err
		}

	case event.TypeMarketRemoved:
		var p event.MarketRemoved
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if err := e.registry.Remove(p.Market); err != nil {
			return err
		}

	case event.TypeRebalancePoolAdded:
		var p event.RebalancePoolAdded
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if e.resolver == nil {
			return fmt.Errorf("replay of rebalance_pool_added requires a resolver")
		}
		pool, err := e.resolver.ResolvePool(p.Pool, p.Market)
		if err != nil {
			return fmt.Errorf("resolve pool %s: %w", p.Pool, err)
		}
		if err := e.registry.AddPool(pool); err != nil {
			return err
		}

	case event.TypeRebalancePoolRemoved:
		var p event.RebalancePoolRemoved
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if err := e.registry.RemovePool(p.Pool); err != nil {
			return err
		}

	default:
		return fmt.Errorf("replay: unknown event type %d", t)
	}
	return nil
}
