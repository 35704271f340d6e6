package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StepInsert is one full row of the steps table. Nil pointers are stored as NULL.
type StepInsert struct {
	RunID            string
	Step             int64
	RewardMean       *float64
	RewardStd        *float64
	Loss             *float64
	KLDivergence     *float64
	Entropy          *float64
	LearningRate     *float64
	AcTokensPerTurn  *float64
	ObTokensPerTurn  *float64
	TotalAcTokens    *int64
	TotalTurns       *int64
	SamplingTimeMean *float64
	TimeTotal        *float64
	FracMixed        *float64
	FracAllGood      *float64
	FracAllBad       *float64
	Extras           sql.NullString
}

type StepRow = StepInsert

// UpsertStep writes the row for (run, step). An existing row is overwritten
// column by column, extras included, so nothing from the earlier call survives.
func (m *Manager) UpsertStep(ctx context.Context, s StepInsert) error {
	_, err := m.writer.ExecContext(ctx, `
INSERT INTO steps (
  run_id, step, reward_mean, reward_std, loss, kl_divergence, entropy, learning_rate,
  ac_tokens_per_turn, ob_tokens_per_turn, total_ac_tokens, total_turns,
  sampling_time_mean, time_total, frac_mixed, frac_all_good, frac_all_bad, extras
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, step) DO UPDATE SET
  reward_mean = excluded.reward_mean,
  reward_std = excluded.reward_std,
  loss = excluded.loss,
  kl_divergence = excluded.kl_divergence,
  entropy = excluded.entropy,
  learning_rate = excluded.learning_rate,
  ac_tokens_per_turn = excluded.ac_tokens_per_turn,
  ob_tokens_per_turn = excluded.ob_tokens_per_turn,
  total_ac_tokens = excluded.total_ac_tokens,
  total_turns = excluded.total_turns,
  sampling_time_mean = excluded.sampling_time_mean,
  time_total = excluded.time_total,
  frac_mixed = excluded.frac_mixed,
  frac_all_good = excluded.frac_all_good,
  frac_all_bad = excluded.frac_all_bad,
  extras = excluded.extras,
  created_at = CURRENT_TIMESTAMP
`,
		s.RunID,
		s.Step,
		nullFloat(s.RewardMean),
		nullFloat(s.RewardStd),
		nullFloat(s.Loss),
		nullFloat(s.KLDivergence),
		nullFloat(s.Entropy),
		nullFloat(s.LearningRate),
		nullFloat(s.AcTokensPerTurn),
		nullFloat(s.ObTokensPerTurn),
		nullInt(s.TotalAcTokens),
		nullInt(s.TotalTurns),
		nullFloat(s.SamplingTimeMean),
		nullFloat(s.TimeTotal),
		nullFloat(s.FracMixed),
		nullFloat(s.FracAllGood),
		nullFloat(s.FracAllBad),
		s.Extras,
	)
	return storageErr("upsert step", err)
}

const stepColumns = `
run_id, step, reward_mean, reward_std, loss, kl_divergence, entropy, learning_rate,
ac_tokens_per_turn, ob_tokens_per_turn, total_ac_tokens, total_turns,
sampling_time_mean, time_total, frac_mixed, frac_all_good, frac_all_bad, extras`

func (m *Manager) GetStep(ctx context.Context, runID string, step int64) (StepRow, error) {
	row := m.reader.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step = ?`, runID, step)
	out, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StepRow{}, fmt.Errorf("step %d of run %s: %w", step, runID, ErrNotFound)
	}
	if err != nil {
		return StepRow{}, storageErr("get step", err)
	}
	return out, nil
}

func (m *Manager) ListSteps(ctx context.Context, runID string) ([]StepRow, error) {
	rows, err := m.reader.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step ASC`, runID)
	if err != nil {
		return nil, storageErr("list steps", err)
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, storageErr("scan step", err)
		}
		out = append(out, s)
	}
	return out, storageErr("list steps", rows.Err())
}

func (m *Manager) StepCount(ctx context.Context, runID string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM steps WHERE run_id = ?", runID).Scan(&out); err != nil {
		return 0, storageErr("count steps", err)
	}
	return out, nil
}

func scanStep(s rowScanner) (StepRow, error) {
	var out StepRow
	var rewardMean, rewardStd, loss, kl, entropy, lr sql.NullFloat64
	var acTokens, obTokens, samplingTime, timeTotal sql.NullFloat64
	var fracMixed, fracGood, fracBad sql.NullFloat64
	var totalAcTokens, totalTurns sql.NullInt64
	if err := s.Scan(
		&out.RunID, &out.Step,
		&rewardMean, &rewardStd, &loss, &kl, &entropy, &lr,
		&acTokens, &obTokens, &totalAcTokens, &totalTurns,
		&samplingTime, &timeTotal, &fracMixed, &fracGood, &fracBad,
		&out.Extras,
	); err != nil {
		return StepRow{}, err
	}
	out.RewardMean = floatPtr(rewardMean)
	out.RewardStd = floatPtr(rewardStd)
	out.Loss = floatPtr(loss)
	out.KLDivergence = floatPtr(kl)
	out.Entropy = floatPtr(entropy)
	out.LearningRate = floatPtr(lr)
	out.AcTokensPerTurn = floatPtr(acTokens)
	out.ObTokensPerTurn = floatPtr(obTokens)
	out.TotalAcTokens = intPtr(totalAcTokens)
	out.TotalTurns = intPtr(totalTurns)
	out.SamplingTimeMean = floatPtr(samplingTime)
	out.TimeTotal = floatPtr(timeTotal)
	out.FracMixed = floatPtr(fracMixed)
	out.FracAllGood = floatPtr(fracGood)
	out.FracAllBad = floatPtr(fracBad)
	return out, nil
}
