package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"time"

	"PegLedger/internal/event"
)

// Update is one applied ledger operation headed for the projection
// tables. The orchestrator bridges engine outputs into this.
type Update struct {
	Sequence  int64
	EventType string
	MarketKey *string
	Payload   []byte
	Timestamp time.Time
}

// Worker updates projection tables from applied operations. The feed is
// non-blocking with drop; if projections fall behind they are rebuilt
// from the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Update
}

func NewWorker(db *sql.DB, inputChan <-chan Update) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processUpdate(ctx, update); err != nil {
				// Projections are eventually consistent and rebuildable
				// from the event log, so failures don't stop the loop.
				log.Printf("WARN: projection update failed at seq=%d: %v", update.Sequence, err)
			}
		}
	}
}

func (pw *Worker) processUpdate(ctx context.Context, u Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyUpdate(ctx, tx, u); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyUpdate(ctx context.Context, tx *sql.Tx, u Update) error {
	switch event.ParseType(u.EventType) {
	case event.TypeWrapped:
		var p event.Wrapped
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		if err := addBacking(ctx, tx, p.Market, p.Minted, u.Sequence); err != nil {
			return err
		}
		return addTotals(ctx, tx, p.Minted, nil, nil, u.Sequence)

	case event.TypeUnwrapped:
		var p event.Unwrapped
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		if err := addBacking(ctx, tx, p.Market, neg(p.Burned), u.Sequence); err != nil {
			return err
		}
		return addTotals(ctx, tx, neg(p.Burned), nil, nil, u.Sequence)

	case event.TypeRedeemed:
		var p event.Redeemed
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		if err := addBacking(ctx, tx, p.Market, neg(p.Used), u.Sequence); err != nil {
			return err
		}
		if err := addTotals(ctx, tx, neg(p.Used), nil, nil, u.Sequence); err != nil {
			return err
		}
		return insertRedemption(ctx, tx, u.Sequence, p.Market, p.Requested, p.Used, p.AmountOut, p.BonusOut, p.Receiver, u.Timestamp)

	case event.TypeAutoRedeemed:
		var p event.AutoRedeemed
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		for _, leg := range p.Legs {
			if leg.Used == nil || leg.Used.Sign() == 0 {
				continue
			}
			if err := addBacking(ctx, tx, leg.Market, neg(leg.Used), u.Sequence); err != nil {
				return err
			}
			if err := insertRedemption(ctx, tx, u.Sequence, leg.Market, leg.Allocated, leg.Used, leg.AmountOut, leg.BonusOut, p.Receiver, u.Timestamp); err != nil {
				return err
			}
		}
		return addTotals(ctx, tx, neg(p.Burned), nil, nil, u.Sequence)

	case event.TypeReserveFunded:
		var p event.ReserveFunded
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		return addTotals(ctx, tx, nil, p.AmountIn, p.StableAmount, u.Sequence)

	case event.TypeBuybackFailed:
		var p event.BuybackFailed
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		return addTotals(ctx, tx, nil, neg(p.AmountIn), nil, u.Sequence)

	case event.TypeBuybackExecuted:
		var p event.BuybackExecuted
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		if err := addTotals(ctx, tx, nil, neg(p.AmountIn), neg(p.Expected), u.Sequence); err != nil {
			return err
		}
		return insertBuyback(ctx, tx, u.Sequence, p, u.Timestamp)

	case event.TypeMarketAdded:
		var p event.MarketAdded
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		// Seed the backing row so empty markets appear in views.
		return addBacking(ctx, tx, p.Market, new(big.Int), u.Sequence)

	case event.TypeMarketRemoved:
		var p event.MarketRemoved
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.market_backing WHERE market_key = $1
		`, p.Market)
		return err
	}

	// Direct mint/burn and pool administration don't touch projections.
	return nil
}

func addBacking(ctx context.Context, tx *sql.Tx, marketKey string, delta *big.Int, seq int64) error {
	if delta == nil {
		delta = new(big.Int)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_backing (market_key, managed, last_sequence)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (market_key)
		DO UPDATE SET managed = projections.market_backing.managed + $2::numeric, last_sequence = $3
	`, marketKey, delta.String(), seq)
	if err != nil {
		return fmt.Errorf("market backing projection: %w", err)
	}
	return nil
}

func addTotals(ctx context.Context, tx *sql.Tx, supplyDelta, ownedDelta, managedDelta *big.Int, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.ledger_totals (worker_id, legacy_supply, reserve_owned, reserve_managed, last_sequence)
		VALUES ('main', $1::numeric, $2::numeric, $3::numeric, $4)
		ON CONFLICT (worker_id) DO UPDATE SET
			legacy_supply   = projections.ledger_totals.legacy_supply + $1::numeric,
			reserve_owned   = projections.ledger_totals.reserve_owned + $2::numeric,
			reserve_managed = projections.ledger_totals.reserve_managed + $3::numeric,
			last_sequence   = $4
	`, zeroIfNil(supplyDelta), zeroIfNil(ownedDelta), zeroIfNil(managedDelta), seq)
	if err != nil {
		return fmt.Errorf("ledger totals projection: %w", err)
	}
	return nil
}

// Rebuild truncates every projection table and replays the full event log
// through the same delta logic.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.market_backing`,
		`TRUNCATE projections.ledger_totals`,
		`TRUNCATE projections.buyback_history`,
		`TRUNCATE projections.redemption_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, market_key, payload, timestamp
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var lastSeq int64
	count := 0
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.Sequence, &u.EventType, &u.MarketKey, &u.Payload, &u.Timestamp); err != nil {
			return err
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := applyUpdate(ctx, tx, u); err != nil {
			tx.Rollback()
			return fmt.Errorf("rebuild at seq %d: %w", u.Sequence, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		lastSeq = u.Sequence
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if count > 0 {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, lastSeq); err != nil {
			return err
		}
	}

	log.Printf("INFO: projection rebuild complete (%d events)", count)
	return nil
}

func neg(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Neg(v)
}

func zeroIfNil(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
