package metricnorm

import "math"

// Canonical step field names. They match the steps table columns.
const (
	RewardMean       = "reward_mean"
	RewardStd        = "reward_std"
	Loss             = "loss"
	KLDivergence     = "kl_divergence"
	Entropy          = "entropy"
	LearningRate     = "learning_rate"
	AcTokensPerTurn  = "ac_tokens_per_turn"
	ObTokensPerTurn  = "ob_tokens_per_turn"
	TotalAcTokens    = "total_ac_tokens"
	TotalTurns       = "total_turns"
	SamplingTimeMean = "sampling_time_mean"
	TimeTotal        = "time_total"
	FracMixed        = "frac_mixed"
	FracAllGood      = "frac_all_good"
	FracAllBad       = "frac_all_bad"
)

// StepPrefixes are the namespaces grouped, optimizer and env-level metrics
// are commonly reported under.
var StepPrefixes = []string{"env/all/", "optim/", "by_group/"}

// StepFields is the canonical field list for the steps table.
var StepFields = []Field{
	{Name: RewardMean, Keys: []string{"reward_mean", "reward", "reward/total"}},
	{Name: RewardStd, Keys: []string{"reward_std"}},
	{Name: Loss, Keys: []string{"loss"}},
	{Name: KLDivergence, Keys: []string{"kl_divergence", "kl", "kl_sample_train", "kl_sample_train_v1"}},
	{Name: Entropy, Keys: []string{"entropy"}},
	{Name: LearningRate, Keys: []string{"learning_rate", "lr"}},
	{Name: AcTokensPerTurn, Keys: []string{"ac_tokens_per_turn"}},
	{Name: ObTokensPerTurn, Keys: []string{"ob_tokens_per_turn"}},
	{Name: TotalAcTokens, Keys: []string{"total_ac_tokens"}, Integer: true},
	{Name: TotalTurns, Keys: []string{"total_turns"}, Integer: true},
	{Name: SamplingTimeMean, Keys: []string{"time/sampling_time_mean", "sampling_time_mean"}},
	{Name: TimeTotal, Keys: []string{"time/total", "time_total"}},
	{Name: FracMixed, Keys: []string{"frac_mixed"}},
	{Name: FracAllGood, Keys: []string{"frac_all_good"}},
	{Name: FracAllBad, Keys: []string{"frac_all_bad"}},
}

// NormalizeStep applies StepFields and StepPrefixes.
func NormalizeStep(input map[string]float64) Result {
	return Normalize(input, StepFields, StepPrefixes)
}

// Int returns the canonical value for name truncated to an integer, or nil
// when it is absent, zero or outside the int64 range.
func (r Result) Int(name string) *int64 {
	v, ok := r.Values[name]
	if !ok || v == 0 || math.IsNaN(v) || v < math.MinInt64 || v >= math.MaxInt64 {
		return nil
	}
	i := int64(v)
	return &i
}
