// Package metrics defines the OpenTelemetry instruments the ingest server
// reports: counters for persisted records and gauges sampled from the store.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Ingest counts records the server has committed.
type Ingest struct {
	runs             metric.Int64Counter
	steps            metric.Int64Counter
	rollouts         metric.Int64Counter
	trajectories     metric.Int64Counter
	defaultedRewards metric.Int64Counter
}

func NewIngest(meter metric.Meter) (*Ingest, error) {
	var m Ingest
	var err error
	if m.runs, err = meter.Int64Counter("tviz.runs.opened", metric.WithDescription("Runs opened through the server")); err != nil {
		return nil, fmt.Errorf("runs counter: %w", err)
	}
	if m.steps, err = meter.Int64Counter("tviz.steps.logged", metric.WithDescription("Step rows upserted")); err != nil {
		return nil, fmt.Errorf("steps counter: %w", err)
	}
	if m.rollouts, err = meter.Int64Counter("tviz.rollouts.logged", metric.WithDescription("Rollout rows inserted")); err != nil {
		return nil, fmt.Errorf("rollouts counter: %w", err)
	}
	if m.trajectories, err = meter.Int64Counter("tviz.trajectories.logged", metric.WithDescription("Trajectory rows inserted")); err != nil {
		return nil, fmt.Errorf("trajectories counter: %w", err)
	}
	if m.defaultedRewards, err = meter.Int64Counter("tviz.rewards.defaulted", metric.WithDescription("Trajectories stored with a missing reward set to 0")); err != nil {
		return nil, fmt.Errorf("defaulted rewards counter: %w", err)
	}
	return &m, nil
}

func (m *Ingest) RunOpened(ctx context.Context, runType string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("tviz.run_type", runType)))
}

func (m *Ingest) StepLogged(ctx context.Context) {
	m.steps.Add(ctx, 1)
}

func (m *Ingest) RolloutsLogged(ctx context.Context, rollouts, trajectories, defaultedRewards int) {
	m.rollouts.Add(ctx, int64(rollouts))
	m.trajectories.Add(ctx, int64(trajectories))
	if defaultedRewards > 0 {
		m.defaultedRewards.Add(ctx, int64(defaultedRewards))
	}
}
