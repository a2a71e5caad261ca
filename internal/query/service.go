package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// QueryService provides read-only access to the event log and the
// projection tables. All projection-backed responses carry the worker
// watermark as as_of_sequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetEvents returns event log rows, newest first, with cursor-based
// pagination on sequence and an optional market filter.
func (qs *QueryService) GetEvents(
	ctx context.Context,
	marketKey *string,
	limit int,
	beforeSequence *int64,
) ([]EventRecord, error) {
	query := `
		SELECT sequence, event_type, idempotency_key, market_key, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if marketKey != nil {
		query += fmt.Sprintf(" AND market_key = $%d", argIdx)
		args = append(args, *marketKey)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload []byte
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketKey,
			&payload, &stateHash, &prevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload at seq %d: %w", e.Sequence, err)
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetBuybackHistory returns peg-defense buybacks, newest first.
func (qs *QueryService) GetBuybackHistory(
	ctx context.Context,
	limit int,
	beforeSequence *int64,
) ([]BuybackRecord, error) {
	query := `
		SELECT sequence, amount_in, expected, amount_out, bonus_out, receiver, timestamp
		FROM projections.buyback_history
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []BuybackRecord
	for rows.Next() {
		var r BuybackRecord
		if err := rows.Scan(
			&r.Sequence, &r.AmountIn, &r.Expected, &r.AmountOut,
			&r.BonusOut, &r.Receiver, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, r)
	}

	return history, rows.Err()
}

// GetRedemptionHistory returns redemption legs, newest first, optionally
// filtered by market.
func (qs *QueryService) GetRedemptionHistory(
	ctx context.Context,
	marketKey *string,
	limit int,
	beforeSequence *int64,
) ([]RedemptionRecord, error) {
	query := `
		SELECT sequence, market_key, requested, used, amount_out, bonus_out, receiver, timestamp
		FROM projections.redemption_history
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if marketKey != nil {
		query += fmt.Sprintf(" AND market_key = $%d", argIdx)
		args = append(args, *marketKey)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []RedemptionRecord
	for rows.Next() {
		var r RedemptionRecord
		if err := rows.Scan(
			&r.Sequence, &r.MarketKey, &r.Requested, &r.Used,
			&r.AmountOut, &r.BonusOut, &r.Receiver, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, r)
	}

	return history, rows.Err()
}

// GetBackingReport returns the projected per-market backing and ledger
// totals as of the projection watermark.
func (qs *QueryService) GetBackingReport(ctx context.Context) (*BackingReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	report := &BackingReport{
		LegacySupply:   "0",
		ReserveOwned:   "0",
		ReserveManaged: "0",
		AsOfSequence:   asOfSeq,
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT legacy_supply, reserve_owned, reserve_managed
		FROM projections.ledger_totals
		WHERE worker_id = 'main'
	`).Scan(&report.LegacySupply, &report.ReserveOwned, &report.ReserveManaged)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_key, managed
		FROM projections.market_backing
		ORDER BY market_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var mb MarketBacking
		if err := rows.Scan(&mb.MarketKey, &mb.Managed); err != nil {
			return nil, err
		}
		report.Markets = append(report.Markets, mb)
	}

	return report, rows.Err()
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
