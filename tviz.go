// Package tviz records reinforcement-learning and fine-tuning telemetry in a
// single SQLite file that a dashboard replays: one run per Logger, one row of
// scalar metrics per step, and per step the rollouts a policy produced with
// their sampled trajectories.
//
//	log, err := tviz.New(tviz.Options{DBPath: path, RunName: "gsm8k_rl"})
//	if err != nil {
//		return err
//	}
//	defer log.Close()
//
//	_ = log.LogHparams(ctx, map[string]any{"lr": 4e-5})
//	_ = log.LogMetrics(ctx, map[string]float64{"reward": 0.5}, step)
//	_ = log.LogRollouts(ctx, rollouts, step)
//
// Every call commits before it returns; a call that returns an error
// persisted nothing.
package tviz

import (
	"context"
	"fmt"
	"time"

	"github.com/kon-rad/tviz/internal/db"
	"github.com/kon-rad/tviz/internal/metricnorm"
)

// Store is an open telemetry file. It may be shared by many Loggers.
type Store struct {
	db *db.Manager
}

// OpenStore opens the store at path, creating the file and its parent
// directory if needed, and brings the schema up to date.
func OpenStore(path string) (*Store, error) {
	dbm, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: dbm}, nil
}

func (s *Store) Path() string {
	return s.db.Path()
}

// Close releases the connection. It is safe to call more than once.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is a stored run record.
type Run struct {
	ID        string
	Name      string
	Type      string
	Modality  Modality
	Config    map[string]any
	StartedAt time.Time
	EndedAt   *time.Time
}

// Step is a stored step. Values is keyed by canonical field name; Extras
// holds every metric without a dedicated column.
type Step struct {
	Step   int64
	Values map[string]float64
	Extras map[string]float64
}

// StoredRollout is a rollout read back with its aggregates.
type StoredRollout struct {
	ID         int64
	Step       int64
	MeanReward *float64
	BestReward *float64
	Rollout
}

type StoreStats struct {
	Status       string
	SizeBytes    int64
	WALSizeBytes int64
	Runs         int64
	Steps        int64
	Rollouts     int64
	Trajectories int64
}

func (s *Store) Run(ctx context.Context, runID string) (Run, error) {
	row, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	return toRun(row)
}

// Runs lists up to limit runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(rows))
	for _, row := range rows {
		run, err := toRun(row)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *Store) Step(ctx context.Context, runID string, step int64) (Step, error) {
	row, err := s.db.GetStep(ctx, runID, step)
	if err != nil {
		return Step{}, err
	}
	return toStep(row)
}

// Steps lists a run's steps in step order.
func (s *Store) Steps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]Step, 0, len(rows))
	for _, row := range rows {
		st, err := toStep(row)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Rollouts returns the rollouts logged for one step with their trajectories,
// in insertion order.
func (s *Store) Rollouts(ctx context.Context, runID string, step int64) ([]StoredRollout, error) {
	rows, err := s.db.ListRollouts(ctx, runID, step)
	if err != nil {
		return nil, err
	}
	out := make([]StoredRollout, 0, len(rows))
	for _, row := range rows {
		trajRows, err := s.db.ListTrajectories(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		ro, err := toStoredRollout(row, trajRows)
		if err != nil {
			return nil, err
		}
		out = append(out, ro)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	health := s.db.Stats(ctx)
	stats := StoreStats{
		Status:       health.DBStatus,
		SizeBytes:    health.DBSizeBytes,
		WALSizeBytes: health.WALSize,
	}
	var err error
	stats.Runs, stats.Steps, stats.Rollouts, stats.Trajectories, err = s.db.Counts(ctx)
	return stats, err
}

// CheckpointIfWALExceeds truncates the write-ahead log into the main file once
// it is larger than thresholdBytes.
func (s *Store) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	return s.db.CheckpointIfWALExceeds(ctx, thresholdBytes)
}

func (s *Store) Checkpoint(ctx context.Context) error {
	return s.db.Checkpoint(ctx)
}

func toRun(row db.RunRow) (Run, error) {
	cfg, err := db.DecodeObject[any](row.Config)
	if err != nil {
		return Run{}, fmt.Errorf("run %s config: %w", row.ID, err)
	}
	return Run{
		ID:        row.ID,
		Name:      row.Name,
		Type:      row.Type,
		Modality:  Modality(row.Modality),
		Config:    cfg,
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
	}, nil
}

func toStep(row db.StepRow) (Step, error) {
	extras, err := db.DecodeFloatMap(row.Extras)
	if err != nil {
		return Step{}, fmt.Errorf("step %d extras: %w", row.Step, err)
	}
	values := make(map[string]float64)
	put := func(name string, v *float64) {
		if v != nil {
			values[name] = *v
		}
	}
	putInt := func(name string, v *int64) {
		if v != nil {
			values[name] = float64(*v)
		}
	}
	put(metricnorm.RewardMean, row.RewardMean)
	put(metricnorm.RewardStd, row.RewardStd)
	put(metricnorm.Loss, row.Loss)
	put(metricnorm.KLDivergence, row.KLDivergence)
	put(metricnorm.Entropy, row.Entropy)
	put(metricnorm.LearningRate, row.LearningRate)
	put(metricnorm.AcTokensPerTurn, row.AcTokensPerTurn)
	put(metricnorm.ObTokensPerTurn, row.ObTokensPerTurn)
	putInt(metricnorm.TotalAcTokens, row.TotalAcTokens)
	putInt(metricnorm.TotalTurns, row.TotalTurns)
	put(metricnorm.SamplingTimeMean, row.SamplingTimeMean)
	put(metricnorm.TimeTotal, row.TimeTotal)
	put(metricnorm.FracMixed, row.FracMixed)
	put(metricnorm.FracAllGood, row.FracAllGood)
	put(metricnorm.FracAllBad, row.FracAllBad)
	return Step{Step: row.Step, Values: values, Extras: extras}, nil
}

func toStoredRollout(row db.RolloutRow, trajRows []db.TrajectoryRow) (StoredRollout, error) {
	out := StoredRollout{
		ID:         row.ID,
		Step:       row.Step,
		MeanReward: row.MeanReward,
		BestReward: row.BestReward,
		Rollout:    Rollout{GroupIdx: int(row.GroupIdx)},
	}

	promptTokens, err := db.DecodeInts(row.PromptTokens)
	if err != nil {
		return StoredRollout{}, fmt.Errorf("rollout %d: %w", row.ID, err)
	}
	switch {
	case row.ImagePath != "":
		out.Vision = &VisionObservation{
			ImagePath:    row.ImagePath,
			PromptText:   row.PromptText,
			PromptTokens: promptTokens,
			GTLat:        row.GTLat,
			GTLon:        row.GTLon,
			City:         row.City,
			Country:      row.Country,
		}
	case row.PromptText != "" || len(promptTokens) > 0:
		out.Text = &TextObservation{PromptText: row.PromptText, PromptTokens: promptTokens}
	}

	out.Trajectories = make([]Trajectory, 0, len(trajRows))
	for _, t := range trajRows {
		outputTokens, err := db.DecodeInts(t.OutputTokens)
		if err != nil {
			return StoredRollout{}, fmt.Errorf("trajectory %d: %w", t.ID, err)
		}
		logprobs, err := db.DecodeFloats(t.Logprobs)
		if err != nil {
			return StoredRollout{}, fmt.Errorf("trajectory %d: %w", t.ID, err)
		}
		stepRewards, err := db.DecodeFloats(t.StepRewards)
		if err != nil {
			return StoredRollout{}, fmt.Errorf("trajectory %d: %w", t.ID, err)
		}
		out.Trajectories = append(out.Trajectories, Trajectory{
			TrajectoryIdx: int(t.TrajectoryIdx),
			Reward:        t.Reward,
			OutputText:    t.OutputText,
			OutputTokens:  outputTokens,
			Logprobs:      logprobs,
			PredLat:       t.PredLat,
			PredLon:       t.PredLon,
			DistanceKm:    t.DistanceKm,
			StepRewards:   stepRewards,
		})
	}
	return out, nil
}
