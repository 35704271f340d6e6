package metricnorm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStepScenario(t *testing.T) {
	t.Parallel()

	res := NormalizeStep(map[string]float64{"reward_mean": 0.5, "loss": 0.2, "custom_x": 1})

	assert.Equal(t, map[string]float64{RewardMean: 0.5, Loss: 0.2}, res.Values)
	assert.Equal(t, map[string]float64{"custom_x": 1}, res.Overflow)
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	in := map[string]float64{"reward": 1, "optim/lr": 3e-4, "extra": 2}
	_ = NormalizeStep(in)
	assert.Len(t, in, 3)
	assert.Equal(t, 3e-4, in["optim/lr"])
}

func TestNormalizePrefixedKeyExtractedOnce(t *testing.T) {
	t.Parallel()

	fields := []Field{{Name: "correct", Keys: []string{"correct"}}}
	res := Normalize(map[string]float64{"env/all/correct": 0.75, "other": 1}, fields, StepPrefixes)

	v, ok := res.Get("correct")
	require.True(t, ok)
	assert.Equal(t, 0.75, v)
	assert.NotContains(t, res.Overflow, "env/all/correct")
	assert.Equal(t, map[string]float64{"other": 1}, res.Overflow)
}

func TestNormalizePrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    map[string]float64
		field    string
		want     float64
		overflow map[string]float64
	}{
		{
			name:     "exact key beats prefixed key",
			input:    map[string]float64{"loss": 1, "optim/loss": 2},
			field:    Loss,
			want:     1,
			overflow: map[string]float64{"optim/loss": 2},
		},
		{
			name:     "prefixes tried in declared order",
			input:    map[string]float64{"by_group/entropy": 3, "optim/entropy": 2, "env/all/entropy": 1},
			field:    Entropy,
			want:     1,
			overflow: map[string]float64{"by_group/entropy": 3, "optim/entropy": 2},
		},
		{
			name:     "earlier synonym wins over later synonym",
			input:    map[string]float64{"reward": 0.3, "reward_mean": 0.4},
			field:    RewardMean,
			want:     0.4,
			overflow: map[string]float64{"reward": 0.3},
		},
		{
			name:     "prefixed earlier synonym beats exact later synonym",
			input:    map[string]float64{"env/all/reward": 0.9, "reward/total": 0.1},
			field:    RewardMean,
			want:     0.9,
			overflow: map[string]float64{"reward/total": 0.1},
		},
		{
			name:     "optimizer namespace learning rate",
			input:    map[string]float64{"optim/lr": 1e-5},
			field:    LearningRate,
			want:     1e-5,
			overflow: map[string]float64{},
		},
		{
			name:     "time namespace is a synonym not a prefix",
			input:    map[string]float64{"time/total": 12.5, "time/sampling_time_mean": 1.5},
			field:    TimeTotal,
			want:     12.5,
			overflow: map[string]float64{},
		},
		{
			name:     "kl synonyms",
			input:    map[string]float64{"kl_sample_train_v1": 0.02, "kl_sample_train": 0.01},
			field:    KLDivergence,
			want:     0.01,
			overflow: map[string]float64{"kl_sample_train_v1": 0.02},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := NormalizeStep(tc.input)
			got, ok := res.Get(tc.field)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.overflow, res.Overflow)
		})
	}
}

func TestNormalizeEveryKeyLandsExactlyOnce(t *testing.T) {
	t.Parallel()

	in := map[string]float64{
		"reward":                     0.5,
		"env/all/reward_std":         0.1,
		"optim/loss":                 0.3,
		"kl":                         0.01,
		"by_group/frac_mixed":        0.25,
		"frac_all_good":              0.5,
		"frac_all_bad":               0.25,
		"time/total":                 9,
		"total_ac_tokens":            1024,
		"env/all/format_ok":          1,
		"progress/done_frac":         0.1,
		"env/all/ac_tokens_per_turn": 128,
	}
	res := NormalizeStep(in)

	assert.Equal(t, len(in), len(res.Values)+len(res.Overflow))
	for k := range res.Overflow {
		_, inInput := in[k]
		assert.True(t, inInput, "overflow key %q not from input", k)
	}
	assert.Equal(t, map[string]float64{"env/all/format_ok": 1, "progress/done_frac": 0.1}, res.Overflow)
}

func TestIntCoercion(t *testing.T) {
	t.Parallel()

	res := NormalizeStep(map[string]float64{"total_ac_tokens": 1536.9, "total_turns": 0})
	require.NotNil(t, res.Int(TotalAcTokens))
	assert.Equal(t, int64(1536), *res.Int(TotalAcTokens))
	assert.Nil(t, res.Int(TotalTurns), "zero is stored as absent")
	assert.Nil(t, res.Int("missing"))
	assert.Nil(t, res.Ptr("missing"))
}

func TestNormalizeLeavesNonFiniteValuesInOverflow(t *testing.T) {
	t.Parallel()

	res := NormalizeStep(map[string]float64{
		"loss":            math.NaN(),
		"optim/loss":      0.3,
		"lr":              math.Inf(-1),
		"total_ac_tokens": math.NaN(),
		"total_turns":     1e19,
	})

	assert.Equal(t, map[string]float64{Loss: 0.3}, res.Values)
	require.Len(t, res.Overflow, 4)
	assert.True(t, math.IsNaN(res.Overflow["loss"]))
	assert.True(t, math.IsInf(res.Overflow["lr"], -1))
	assert.True(t, math.IsNaN(res.Overflow["total_ac_tokens"]))
	assert.Equal(t, 1e19, res.Overflow["total_turns"])
	assert.Nil(t, res.Int(TotalAcTokens))
	assert.Nil(t, res.Int(TotalTurns))
}

func TestResultIntRejectsUnrepresentable(t *testing.T) {
	t.Parallel()

	res := Result{Values: map[string]float64{"nan": math.NaN(), "big": 1e19, "small": -1e19, "ok": 41.9}}
	assert.Nil(t, res.Int("nan"))
	assert.Nil(t, res.Int("big"))
	assert.Nil(t, res.Int("small"))
	require.NotNil(t, res.Int("ok"))
	assert.Equal(t, int64(41), *res.Int("ok"))
}
