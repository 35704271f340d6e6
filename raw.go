package tviz

// RawRollout is the JSON shape trainers send over the wire. Field presence
// decides the observation kind; see Rollout for the typed form.
type RawRollout struct {
	GroupIdx     int             `json:"group_idx"`
	PromptText   *string         `json:"prompt_text,omitempty"`
	PromptTokens []int           `json:"prompt_tokens,omitempty"`
	ImagePath    *string         `json:"image_path,omitempty"`
	GTLat        *float64        `json:"gt_lat,omitempty"`
	GTLon        *float64        `json:"gt_lon,omitempty"`
	City         *string         `json:"city,omitempty"`
	Country      *string         `json:"country,omitempty"`
	Trajectories []RawTrajectory `json:"trajectories,omitempty"`
}

type RawTrajectory struct {
	TrajectoryIdx int       `json:"trajectory_idx"`
	Reward        *float64  `json:"reward,omitempty"`
	OutputText    *string   `json:"output_text,omitempty"`
	OutputTokens  []int     `json:"output_tokens,omitempty"`
	Logprobs      []float64 `json:"logprobs,omitempty"`
	PredLat       *float64  `json:"pred_lat,omitempty"`
	PredLon       *float64  `json:"pred_lon,omitempty"`
	DistanceKm    *float64  `json:"distance_km,omitempty"`
	StepRewards   []float64 `json:"step_rewards,omitempty"`
}

// Conversion describes the repairs made while converting raw rollouts.
type Conversion struct {
	// DefaultedRewards counts trajectories that arrived without a reward and
	// were stored with reward 0 instead of rejecting the batch.
	DefaultedRewards int
}

// Rollout converts r to its typed form. An image_path selects a vision
// observation; otherwise prompt_text or prompt_tokens select a text
// observation. It returns how many trajectories had no reward and were given 0.
func (r RawRollout) Rollout() (Rollout, int) {
	ro := Rollout{GroupIdx: r.GroupIdx}
	switch {
	case r.ImagePath != nil:
		ro.Vision = &VisionObservation{
			ImagePath:    *r.ImagePath,
			PromptText:   deref(r.PromptText),
			PromptTokens: r.PromptTokens,
			GTLat:        r.GTLat,
			GTLon:        r.GTLon,
			City:         deref(r.City),
			Country:      deref(r.Country),
		}
	case r.PromptText != nil || len(r.PromptTokens) > 0:
		ro.Text = &TextObservation{
			PromptText:   deref(r.PromptText),
			PromptTokens: r.PromptTokens,
		}
	}

	defaulted := 0
	ro.Trajectories = make([]Trajectory, 0, len(r.Trajectories))
	for _, t := range r.Trajectories {
		reward := 0.0
		if t.Reward != nil {
			reward = *t.Reward
		} else {
			defaulted++
		}
		ro.Trajectories = append(ro.Trajectories, Trajectory{
			TrajectoryIdx: t.TrajectoryIdx,
			Reward:        reward,
			OutputText:    deref(t.OutputText),
			OutputTokens:  t.OutputTokens,
			Logprobs:      t.Logprobs,
			PredLat:       t.PredLat,
			PredLon:       t.PredLon,
			DistanceKm:    t.DistanceKm,
			StepRewards:   t.StepRewards,
		})
	}
	return ro, defaulted
}

// ConvertRollouts converts a batch of wire rollouts in order.
func ConvertRollouts(raw []RawRollout) ([]Rollout, Conversion) {
	var conv Conversion
	out := make([]Rollout, 0, len(raw))
	for _, r := range raw {
		ro, defaulted := r.Rollout()
		conv.DefaultedRewards += defaulted
		out = append(out, ro)
	}
	return out, conv
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
