package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/kon-rad/tviz"
)

type StatsSource interface {
	Stats(ctx context.Context) (tviz.StoreStats, error)
}

// RegisterGauges reports store size, WAL size, open runs and process RSS at
// every collection. The returned registration unregisters the callback.
func RegisterGauges(meter metric.Meter, store StatsSource, openRuns func() int) (metric.Registration, error) {
	dbSize, err := meter.Int64ObservableGauge("tviz.db.size", metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("db size gauge: %w", err)
	}
	walSize, err := meter.Int64ObservableGauge("tviz.db.wal_size", metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("wal size gauge: %w", err)
	}
	open, err := meter.Int64ObservableGauge("tviz.runs.open")
	if err != nil {
		return nil, fmt.Errorf("open runs gauge: %w", err)
	}
	rss, err := meter.Int64ObservableGauge("process.memory.rss", metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("rss gauge: %w", err)
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if stats, err := store.Stats(ctx); err == nil {
			o.ObserveInt64(dbSize, stats.SizeBytes)
			o.ObserveInt64(walSize, stats.WALSizeBytes)
		}
		if openRuns != nil {
			o.ObserveInt64(open, int64(openRuns()))
		}
		// No RSS sample off Linux.
		if bytes, err := CurrentRSSBytes(); err == nil {
			o.ObserveInt64(rss, bytes)
		}
		return nil
	}, dbSize, walSize, open, rss)
}
