package db

import (
	"context"
	"database/sql"
	"fmt"
)

type RolloutInsert struct {
	GroupIdx     int64
	ImagePath    string
	GTLat        *float64
	GTLon        *float64
	City         string
	Country      string
	PromptText   string
	PromptTokens sql.NullString
	MeanReward   *float64
	BestReward   *float64
	Trajectories []TrajectoryInsert
}

type TrajectoryInsert struct {
	TrajectoryIdx int64
	Reward        float64
	OutputText    string
	OutputTokens  sql.NullString
	Logprobs      sql.NullString
	PredLat       *float64
	PredLon       *float64
	DistanceKm    *float64
	StepRewards   sql.NullString
}

type RolloutRow struct {
	ID    int64
	RunID string
	Step  int64
	RolloutInsert
}

type TrajectoryRow struct {
	ID        int64
	RolloutID int64
	TrajectoryInsert
}

// InsertRollouts writes every rollout and its trajectories in one transaction
// and returns the new rollout ids in input order.
func (m *Manager) InsertRollouts(ctx context.Context, runID string, step int64, rollouts []RolloutInsert) ([]int64, error) {
	if len(rollouts) == 0 {
		return nil, nil
	}

	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rolloutStmt, err := tx.PrepareContext(ctx, `
INSERT INTO rollouts (
  run_id, step, group_idx, image_path, gt_lat, gt_lon, city, country,
  prompt_text, prompt_tokens, mean_reward, best_reward
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return nil, storageErr("prepare rollout insert", err)
	}
	defer rolloutStmt.Close()

	trajStmt, err := tx.PrepareContext(ctx, `
INSERT INTO trajectories (
  rollout_id, trajectory_idx, reward, output_text, output_tokens, logprobs,
  pred_lat, pred_lon, distance_km, step_rewards
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return nil, storageErr("prepare trajectory insert", err)
	}
	defer trajStmt.Close()

	ids := make([]int64, 0, len(rollouts))
	for i, r := range rollouts {
		res, err := rolloutStmt.ExecContext(
			ctx,
			runID,
			step,
			r.GroupIdx,
			nullString(r.ImagePath),
			nullFloat(r.GTLat),
			nullFloat(r.GTLon),
			nullString(r.City),
			nullString(r.Country),
			nullString(r.PromptText),
			r.PromptTokens,
			nullFloat(r.MeanReward),
			nullFloat(r.BestReward),
		)
		if err != nil {
			return nil, storageErr(fmt.Sprintf("insert rollout %d", i), err)
		}
		rolloutID, err := res.LastInsertId()
		if err != nil {
			return nil, storageErr("rollout id", err)
		}

		for j, t := range r.Trajectories {
			if _, err := trajStmt.ExecContext(
				ctx,
				rolloutID,
				t.TrajectoryIdx,
				t.Reward,
				nullString(t.OutputText),
				t.OutputTokens,
				t.Logprobs,
				nullFloat(t.PredLat),
				nullFloat(t.PredLon),
				nullFloat(t.DistanceKm),
				t.StepRewards,
			); err != nil {
				return nil, storageErr(fmt.Sprintf("insert trajectory %d of rollout %d", j, i), err)
			}
		}
		ids = append(ids, rolloutID)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit tx", err)
	}
	return ids, nil
}

// ListRollouts returns the rollouts of one step ordered by insertion.
func (m *Manager) ListRollouts(ctx context.Context, runID string, step int64) ([]RolloutRow, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT id, run_id, step, group_idx, COALESCE(image_path, ''), gt_lat, gt_lon,
  COALESCE(city, ''), COALESCE(country, ''), COALESCE(prompt_text, ''), prompt_tokens,
  mean_reward, best_reward
FROM rollouts
WHERE run_id = ? AND step = ?
ORDER BY id ASC
`, runID, step)
	if err != nil {
		return nil, storageErr("list rollouts", err)
	}
	defer rows.Close()

	var out []RolloutRow
	for rows.Next() {
		var r RolloutRow
		var gtLat, gtLon, meanReward, best sql.NullFloat64
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Step, &r.GroupIdx, &r.ImagePath, &gtLat, &gtLon,
			&r.City, &r.Country, &r.PromptText, &r.PromptTokens,
			&meanReward, &best,
		); err != nil {
			return nil, storageErr("scan rollout", err)
		}
		r.GTLat = floatPtr(gtLat)
		r.GTLon = floatPtr(gtLon)
		r.MeanReward = floatPtr(meanReward)
		r.BestReward = floatPtr(best)
		out = append(out, r)
	}
	return out, storageErr("list rollouts", rows.Err())
}

// ListTrajectories returns the trajectories of one rollout ordered by insertion.
func (m *Manager) ListTrajectories(ctx context.Context, rolloutID int64) ([]TrajectoryRow, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT id, rollout_id, trajectory_idx, reward, COALESCE(output_text, ''), output_tokens, logprobs,
  pred_lat, pred_lon, distance_km, step_rewards
FROM trajectories
WHERE rollout_id = ?
ORDER BY id ASC
`, rolloutID)
	if err != nil {
		return nil, storageErr("list trajectories", err)
	}
	defer rows.Close()

	var out []TrajectoryRow
	for rows.Next() {
		var t TrajectoryRow
		var predLat, predLon, distKm sql.NullFloat64
		if err := rows.Scan(
			&t.ID, &t.RolloutID, &t.TrajectoryIdx, &t.Reward, &t.OutputText, &t.OutputTokens, &t.Logprobs,
			&predLat, &predLon, &distKm, &t.StepRewards,
		); err != nil {
			return nil, storageErr("scan trajectory", err)
		}
		t.PredLat = floatPtr(predLat)
		t.PredLon = floatPtr(predLon)
		t.DistanceKm = floatPtr(distKm)
		out = append(out, t)
	}
	return out, storageErr("list trajectories", rows.Err())
}

// Counts reports row totals across the store.
func (m *Manager) Counts(ctx context.Context) (runs, steps, rollouts, trajectories int64, err error) {
	err = m.reader.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM runs),
  (SELECT COUNT(*) FROM steps),
  (SELECT COUNT(*) FROM rollouts),
  (SELECT COUNT(*) FROM trajectories)
`).Scan(&runs, &steps, &rollouts, &trajectories)
	if err != nil {
		err = storageErr("count rows", err)
	}
	return
}
