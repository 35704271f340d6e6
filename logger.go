package tviz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kon-rad/tviz/internal/db"
	"github.com/kon-rad/tviz/internal/metricnorm"
)

const (
	DefaultRunType      = "rl"
	DefaultDashboardURL = "http://localhost:3003"
)

// Options configures a Logger. Zero values take the documented defaults.
type Options struct {
	// DBPath is the store file opened by New. NewLogger ignores it.
	DBPath string
	// RunName defaults to the run id.
	RunName string
	// RunType is a free-form tag such as "rl", "sft" or "dpo". Defaults to "rl".
	RunType  string
	Modality Modality
	// DashboardURL is the base of the link returned by URL.
	DashboardURL string
	Logger       *slog.Logger
}

// Logger records one run. It is safe for concurrent use.
type Logger struct {
	store     *Store
	ownsStore bool
	log       *slog.Logger

	runID        string
	runName      string
	runType      string
	modality     Modality
	dashboardURL string

	mu         sync.Mutex
	registered bool
	closed     bool
}

// New opens a private store at opts.DBPath and returns a Logger that closes
// it on Close.
func New(opts Options) (*Logger, error) {
	if strings.TrimSpace(opts.DBPath) == "" {
		return nil, errors.New("tviz: DBPath is required")
	}
	if _, err := ParseModality(string(opts.Modality)); err != nil {
		return nil, fmt.Errorf("tviz: %w", err)
	}
	store, err := OpenStore(opts.DBPath)
	if err != nil {
		return nil, err
	}
	l := store.NewLogger(opts)
	l.ownsStore = true
	return l, nil
}

// NewLogger returns a Logger writing to s. Closing it leaves s open. An
// unknown modality is recorded as text.
func (s *Store) NewLogger(opts Options) *Logger {
	runID := uuid.NewString()[:8]
	modality, err := ParseModality(string(opts.Modality))
	if err != nil {
		modality = ModalityText
	}
	l := &Logger{
		store:        s,
		log:          opts.Logger,
		runID:        runID,
		runName:      opts.RunName,
		runType:      opts.RunType,
		modality:     modality,
		dashboardURL: strings.TrimRight(opts.DashboardURL, "/"),
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.runName == "" {
		l.runName = runID
	}
	if l.runType == "" {
		l.runType = DefaultRunType
	}
	if l.dashboardURL == "" {
		l.dashboardURL = DefaultDashboardURL
	}
	l.log = l.log.With("run_id", runID)
	return l
}

// WithRun opens a Logger, registers it with config, calls fn and closes the
// Logger whatever fn returns.
func WithRun(ctx context.Context, opts Options, config map[string]any, fn func(*Logger) error) (err error) {
	l, err := New(opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, l.Close())
	}()
	if err := l.LogHparams(ctx, config); err != nil {
		return err
	}
	return fn(l)
}

func (l *Logger) RunID() string {
	return l.runID
}

// URL returns the dashboard link for this run.
func (l *Logger) URL() string {
	return l.dashboardURL + "/training-run/" + l.runID
}

// Sync is a no-op: every log call has committed by the time it returns.
func (l *Logger) Sync() error {
	return nil
}

// LogHparams registers the run with config. Only the first registration
// writes; later calls, and calls after metrics or rollouts have registered
// the run, change nothing.
func (l *Logger) LogHparams(ctx context.Context, config map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.registerLocked(ctx, config)
}

func (l *Logger) ensureRegistered(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.registerLocked(ctx, nil)
}

func (l *Logger) registerLocked(ctx context.Context, config map[string]any) error {
	if l.registered {
		return nil
	}
	cfg, err := db.EncodeObject(config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	err = l.store.db.InsertRun(ctx, db.RunInsert{
		ID:       l.runID,
		Name:     l.runName,
		Type:     l.runType,
		Modality: string(l.modality),
		Config:   cfg,
	})
	if err != nil {
		return err
	}
	l.registered = true
	l.log.Info("Run registered", "name", l.runName, "type", l.runType, "modality", l.modality)
	return nil
}

// LogMetrics stores the scalar metrics for step, replacing anything logged
// for the same step before. Known metric names land in their canonical
// columns; the rest are kept as extras.
func (l *Logger) LogMetrics(ctx context.Context, metrics map[string]float64, step int64) error {
	if step < 0 {
		return fmt.Errorf("tviz: negative step %d", step)
	}
	if err := l.ensureRegistered(ctx); err != nil {
		return err
	}

	res := metricnorm.NormalizeStep(metrics)
	extras, err := db.EncodeFloatMap(res.Overflow)
	if err != nil {
		return fmt.Errorf("encode extras: %w", err)
	}
	err = l.store.db.UpsertStep(ctx, db.StepInsert{
		RunID:            l.runID,
		Step:             step,
		RewardMean:       res.Ptr(metricnorm.RewardMean),
		RewardStd:        res.Ptr(metricnorm.RewardStd),
		Loss:             res.Ptr(metricnorm.Loss),
		KLDivergence:     res.Ptr(metricnorm.KLDivergence),
		Entropy:          res.Ptr(metricnorm.Entropy),
		LearningRate:     res.Ptr(metricnorm.LearningRate),
		AcTokensPerTurn:  res.Ptr(metricnorm.AcTokensPerTurn),
		ObTokensPerTurn:  res.Ptr(metricnorm.ObTokensPerTurn),
		TotalAcTokens:    res.Int(metricnorm.TotalAcTokens),
		TotalTurns:       res.Int(metricnorm.TotalTurns),
		SamplingTimeMean: res.Ptr(metricnorm.SamplingTimeMean),
		TimeTotal:        res.Ptr(metricnorm.TimeTotal),
		FracMixed:        res.Ptr(metricnorm.FracMixed),
		FracAllGood:      res.Ptr(metricnorm.FracAllGood),
		FracAllBad:       res.Ptr(metricnorm.FracAllBad),
		Extras:           extras,
	})
	if err != nil {
		return err
	}
	l.log.Debug("Step logged", "step", step, "extras", len(res.Overflow))
	return nil
}

// LogRollouts stores the rollouts sampled at step with their trajectories.
// Either every row of the call is written or none is. Out-of-range
// coordinates are kept as given; non-finite ones are stored as NULL and
// non-finite rewards as 0.
func (l *Logger) LogRollouts(ctx context.Context, rollouts []Rollout, step int64) error {
	if step < 0 {
		return fmt.Errorf("tviz: negative step %d", step)
	}
	for _, r := range rollouts {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if err := l.ensureRegistered(ctx); err != nil {
		return err
	}

	inserts := make([]db.RolloutInsert, 0, len(rollouts))
	trajectories, replaced := 0, 0
	for _, r := range rollouts {
		r, n := r.withFiniteValues()
		replaced += n
		ins, err := toRolloutInsert(r)
		if err != nil {
			return err
		}
		trajectories += len(ins.Trajectories)
		inserts = append(inserts, ins)
	}
	if _, err := l.store.db.InsertRollouts(ctx, l.runID, step, inserts); err != nil {
		return err
	}
	if replaced > 0 {
		l.log.Warn("Non-finite rollout values stored as defaults", "step", step, "count", replaced)
	}
	l.log.Debug("Rollouts logged", "step", step, "rollouts", len(inserts), "trajectories", trajectories)
	return nil
}

// Close marks the run ended and, for a Logger made by New, closes the store.
// Only the first call has any effect.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if l.registered {
		if _, err := l.store.db.CloseRun(context.Background(), l.runID); err != nil {
			return err
		}
	}
	l.closed = true
	l.log.Info("Run closed", "registered", l.registered)
	if l.ownsStore {
		return l.store.Close()
	}
	return nil
}

func toRolloutInsert(r Rollout) (db.RolloutInsert, error) {
	mean, best := rewardStats(r.Trajectories)
	ins := db.RolloutInsert{
		GroupIdx:   int64(r.GroupIdx),
		MeanReward: mean,
		BestReward: best,
	}
	var promptTokens []int
	switch {
	case r.Vision != nil:
		ins.ImagePath = r.Vision.ImagePath
		ins.PromptText = r.Vision.PromptText
		ins.GTLat = r.Vision.GTLat
		ins.GTLon = r.Vision.GTLon
		ins.City = r.Vision.City
		ins.Country = r.Vision.Country
		promptTokens = r.Vision.PromptTokens
	case r.Text != nil:
		ins.PromptText = r.Text.PromptText
		promptTokens = r.Text.PromptTokens
	}
	tokens, err := db.EncodeInts(promptTokens)
	if err != nil {
		return db.RolloutInsert{}, fmt.Errorf("encode prompt tokens: %w", err)
	}
	ins.PromptTokens = tokens

	ins.Trajectories = make([]db.TrajectoryInsert, 0, len(r.Trajectories))
	for _, t := range r.Trajectories {
		tokens, err := db.EncodeInts(t.OutputTokens)
		if err != nil {
			return db.RolloutInsert{}, fmt.Errorf("encode output tokens: %w", err)
		}
		ins.Trajectories = append(ins.Trajectories, db.TrajectoryInsert{
			TrajectoryIdx: int64(t.TrajectoryIdx),
			Reward:        t.Reward,
			OutputText:    t.OutputText,
			OutputTokens:  tokens,
			Logprobs:      db.EncodeFloats(t.Logprobs),
			PredLat:       t.PredLat,
			PredLon:       t.PredLon,
			DistanceKm:    t.DistanceKm,
			StepRewards:   db.EncodeFloats(t.StepRewards),
		})
	}
	return ins, nil
}
