package projection

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"PegLedger/internal/event"
)

// Peg-defense and redemption history tables, append-only. Sequence ties
// every row back to the event log; ON CONFLICT DO NOTHING keeps rebuilds
// and redeliveries idempotent.

func insertBuyback(ctx context.Context, tx *sql.Tx, seq int64, p event.BuybackExecuted, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.buyback_history
			(sequence, amount_in, expected, amount_out, bonus_out, receiver, timestamp)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, zeroIfNil(p.AmountIn), zeroIfNil(p.Expected), zeroIfNil(p.AmountOut), zeroIfNil(p.BonusOut), p.Receiver, ts)
	if err != nil {
		return fmt.Errorf("buyback history projection: %w", err)
	}
	return nil
}

func insertRedemption(
	ctx context.Context,
	tx *sql.Tx,
	seq int64,
	marketKey string,
	requested, used, amountOut, bonusOut *big.Int,
	receiver string,
	ts time.Time,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.redemption_history
			(sequence, market_key, requested, used, amount_out, bonus_out, receiver, timestamp)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7, $8)
		ON CONFLICT (sequence, market_key) DO NOTHING
	`, seq, marketKey, zeroIfNil(requested), zeroIfNil(used), zeroIfNil(amountOut), zeroIfNil(bonusOut), receiver, ts)
	if err != nil {
		return fmt.Errorf("redemption history projection: %w", err)
	}
	return nil
}
