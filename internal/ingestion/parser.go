package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"PegLedger/internal/signal"
)

// --- JSON wire format ---
// Field names use snake_case to match upstream treasury publishers.
// Ratios and NAV are 1e18 fixed-point decimal strings.

type marketHealthJSON struct {
	Market          string `json:"market"`
	CollateralRatio string `json:"collateral_ratio"`
	StabilityRatio  string `json:"stability_ratio"`
	Nav             string `json:"nav"`
	PriceValid      bool   `json:"price_valid"`
	UnderCollateral bool   `json:"under_collateral"`
	TimestampUs     int64  `json:"timestamp_us"`
}

// ParseMarketHealth converts a raw NATS signal into a cache entry. The
// market key comes from the payload and must match the subject suffix when
// one is present.
func ParseMarketHealth(raw RawSignal) (string, signal.Health, error) {
	var j marketHealthJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return "", signal.Health{}, fmt.Errorf("parse market health: %w", err)
	}
	if j.Market == "" {
		return "", signal.Health{}, fmt.Errorf("market health signal missing market key")
	}
	if suffix := subjectMarket(raw.Subject); suffix != "" && suffix != j.Market {
		return "", signal.Health{}, fmt.Errorf("subject market %q does not match payload market %q", suffix, j.Market)
	}

	collateral, err := parseRatio("collateral_ratio", j.CollateralRatio)
	if err != nil {
		return "", signal.Health{}, err
	}
	stability, err := parseRatio("stability_ratio", j.StabilityRatio)
	if err != nil {
		return "", signal.Health{}, err
	}
	nav, err := parseRatio("nav", j.Nav)
	if err != nil {
		return "", signal.Health{}, err
	}

	updatedAt := raw.Timestamp
	if j.TimestampUs > 0 {
		updatedAt = time.UnixMicro(j.TimestampUs)
	}

	return j.Market, signal.Health{
		CollateralRatio: collateral,
		StabilityRatio:  stability,
		Nav:             nav,
		PriceValid:      j.PriceValid,
		UnderCollateral: j.UnderCollateral,
		UpdatedAt:       updatedAt,
	}, nil
}

func parseRatio(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}

// subjectMarket extracts the market key from peg.signals.market.{key}.
func subjectMarket(subject string) string {
	const prefix = "peg.signals.market."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return subject[len(prefix):]
}
