// Package sim runs protocols against a simulated observer on a virtual
// clock, one session or many in parallel.
package sim

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MJE43/vision-trainer-go/internal/engine"
	"github.com/MJE43/vision-trainer-go/internal/staircase"
)

// Observer is a psychometric model of a participant. Its probability of a
// correct answer follows a cumulative normal on the difficulty axis,
// centred on Threshold, bounded below by Guess and above by 1-Lapse.
type Observer struct {
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	Slope     float64 `json:"slope" mapstructure:"slope"`
	// Guess is the chance rate. Zero means one over the number of answers.
	Guess float64 `json:"guess" mapstructure:"guess"`
	Lapse float64 `json:"lapse" mapstructure:"lapse"`
	// MissRate is the chance of not answering at all.
	MissRate float64 `json:"miss_rate" mapstructure:"miss_rate"`
	// ReactionTime is measured from the end of the presentation.
	ReactionTime time.Duration `json:"reaction_time" mapstructure:"reaction_time"`
}

const defaultReactionTime = 250 * time.Millisecond

// Validate checks the observer's parameters.
func (o Observer) Validate() error {
	switch {
	case !(o.Slope > 0):
		return fmt.Errorf("sim: slope must be positive, got %v", o.Slope)
	case o.Guess < 0 || o.Lapse < 0 || o.Guess+o.Lapse >= 1:
		return fmt.Errorf("sim: guess %v and lapse %v must be non-negative and sum below 1", o.Guess, o.Lapse)
	case o.MissRate < 0 || o.MissRate > 1:
		return fmt.Errorf("sim: miss rate %v outside [0,1]", o.MissRate)
	case o.ReactionTime < 0:
		return fmt.Errorf("sim: negative reaction time %v", o.ReactionTime)
	}
	return nil
}

// PCorrect is the probability of answering correctly at difficulty d. The
// observer is reliable on the easy side of Threshold, in whichever
// direction the staircase calls easy.
func (o Observer) PCorrect(d float64, harder staircase.Direction, answers int) float64 {
	guess := o.Guess
	if guess == 0 && answers > 0 {
		guess = 1 / float64(answers)
	}
	x := (o.Threshold - d) / o.Slope
	if harder == staircase.HarderDecreases {
		x = -x
	}
	return guess + (1-guess-o.Lapse)*phi(x)
}

// phi is the standard normal CDF.
func phi(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// answer picks the observer's response for one trial. An empty answer with
// ok false means no response.
func (o Observer) answer(expected string, answers []string, p float64, rng *engine.Stream) (string, bool) {
	if o.MissRate > 0 && rng.Float() < o.MissRate {
		return "", false
	}
	if rng.Float() < p {
		return expected, true
	}
	wrong := make([]string, 0, len(answers))
	for _, a := range answers {
		if !strings.EqualFold(a, expected) {
			wrong = append(wrong, a)
		}
	}
	if len(wrong) == 0 {
		return "", true
	}
	return wrong[rng.Intn(len(wrong))], true
}
