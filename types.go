package tviz

import (
	"fmt"
	"math"
)

// Modality is the observation kind a run is trained on.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityVision Modality = "vision"
)

func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case "", ModalityText:
		return ModalityText, nil
	case ModalityVision:
		return ModalityVision, nil
	default:
		return "", fmt.Errorf("unknown modality %q", s)
	}
}

// TextObservation is the prompt shown to a language model.
type TextObservation struct {
	PromptText   string
	PromptTokens []int
}

// VisionObservation is an image prompt, with ground truth for geo tasks.
type VisionObservation struct {
	ImagePath    string
	PromptText   string
	PromptTokens []int
	GTLat        *float64
	GTLon        *float64
	City         string
	Country      string
}

// Rollout is one observation and the group of trajectories sampled for it.
// At most one of Text and Vision is set; a rollout with neither is stored
// without observation fields.
type Rollout struct {
	GroupIdx     int
	Text         *TextObservation
	Vision       *VisionObservation
	Trajectories []Trajectory
}

// Trajectory is one sampled response and its reward.
type Trajectory struct {
	TrajectoryIdx int
	Reward        float64
	OutputText    string
	OutputTokens  []int
	Logprobs      []float64
	PredLat       *float64
	PredLon       *float64
	DistanceKm    *float64
	StepRewards   []float64
}

// Validate reports whether r can be stored. Only the observation shape is
// checked; numeric fields are stored as given.
func (r Rollout) Validate() error {
	if r.Text != nil && r.Vision != nil {
		return fmt.Errorf("%w: group %d has both text and vision observations", ErrInvalidRollout, r.GroupIdx)
	}
	return nil
}

// withFiniteValues returns a copy of r in which non-finite coordinates and
// distances are nil and non-finite rewards are 0, along with the number of
// values replaced. SQLite stores NaN as NULL.
func (r Rollout) withFiniteValues() (Rollout, int) {
	replaced := 0
	finite := func(v *float64) *float64 {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			replaced++
			return nil
		}
		return v
	}

	if r.Vision != nil {
		v := *r.Vision
		v.GTLat = finite(v.GTLat)
		v.GTLon = finite(v.GTLon)
		r.Vision = &v
	}
	trajectories := make([]Trajectory, len(r.Trajectories))
	for i, t := range r.Trajectories {
		if math.IsNaN(t.Reward) || math.IsInf(t.Reward, 0) {
			t.Reward = 0
			replaced++
		}
		t.PredLat = finite(t.PredLat)
		t.PredLon = finite(t.PredLon)
		t.DistanceKm = finite(t.DistanceKm)
		trajectories[i] = t
	}
	r.Trajectories = trajectories
	return r, replaced
}

// rewardStats returns the mean and maximum trajectory reward, both nil when
// there are no trajectories.
func rewardStats(trajectories []Trajectory) (mean, best *float64) {
	if len(trajectories) == 0 {
		return nil, nil
	}
	sum := 0.0
	top := trajectories[0].Reward
	for _, t := range trajectories {
		sum += t.Reward
		if t.Reward > top {
			top = t.Reward
		}
	}
	m := sum / float64(len(trajectories))
	return &m, &top
}
