package query

import (
	"context"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
)

// VerifyIntegrity audits the event log: hash chain continuity between
// consecutive envelopes, then a full double-entry replay through the
// audit journal checking the conservation and non-negativity invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Hash chain continuity: every event's prev_hash must equal the
	// previous event's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Double-entry replay of the full log.
	tracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(tracker)

	eventRows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload, timestamp
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer eventRows.Close()

	for eventRows.Next() {
		var (
			e       EventRecord
			payload []byte
		)
		if err := eventRows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &payload, &e.Timestamp); err != nil {
			return nil, err
		}

		batch, err := ledger.FromEvent(e.Sequence, e.IdempotencyKey, event.ParseType(e.EventType), payload, e.Timestamp)
		if err != nil {
			report.InvariantErrors = append(report.InvariantErrors, err.Error())
			continue
		}
		if batch == nil {
			report.EventsAudited++
			report.HeadSequence = e.Sequence
			continue
		}
		if err := tracker.ApplyBatch(batch); err != nil {
			report.InvariantErrors = append(report.InvariantErrors, err.Error())
			continue
		}
		report.EventsAudited++
		report.HeadSequence = e.Sequence
	}
	if err := eventRows.Err(); err != nil {
		return nil, err
	}

	if err := validator.ValidateConservation(); err != nil {
		report.InvariantErrors = append(report.InvariantErrors, err.Error())
	}
	if err := validator.ValidateMarketsNonNegative(); err != nil {
		report.InvariantErrors = append(report.InvariantErrors, err.Error())
	}
	if err := validator.ValidateReserveNonNegative(); err != nil {
		report.InvariantErrors = append(report.InvariantErrors, err.Error())
	}

	report.AuditedSupply = tracker.SupplyBalance().String()
	report.AuditedBacking = tracker.TotalBacking().String()
	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.InvariantErrors) == 0
	return report, nil
}
