package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"PegLedger/internal/observability"
	"PegLedger/internal/signal"
)

// SignalWorker drains raw health signals into the signal cache. Parse
// failures are NAKed so malformed payloads surface through redelivery
// counts instead of silently vanishing.
type SignalWorker struct {
	signalChan <-chan RawSignal
	cache      *signal.Cache
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func NewSignalWorker(signalChan <-chan RawSignal, cache *signal.Cache, metrics *observability.Metrics, log zerolog.Logger) *SignalWorker {
	return &SignalWorker{
		signalChan: signalChan,
		cache:      cache,
		metrics:    metrics,
		log:        log,
	}
}

// Run processes signals until the context is cancelled or the channel closes.
func (w *SignalWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-w.signalChan:
			if !ok {
				return nil
			}
			w.handle(raw)
		}
	}
}

func (w *SignalWorker) handle(raw RawSignal) {
	marketKey, health, err := ParseMarketHealth(raw)
	if err != nil {
		w.log.Warn().Err(err).Str("subject", raw.Subject).Msg("rejecting health signal")
		if w.metrics != nil {
			w.metrics.SignalsRejected.WithLabelValues("parse").Inc()
		}
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}

	w.cache.Apply(marketKey, health)
	if w.metrics != nil {
		w.metrics.SignalsApplied.WithLabelValues(marketKey).Inc()
		w.metrics.SignalAge.WithLabelValues(marketKey).Set(time.Since(health.UpdatedAt).Seconds())
	}
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
