package trial

import (
	"time"

	"github.com/MJE43/vision-trainer-go/internal/session"
)

// Status is what stop rules see after each feedback phase.
type Status struct {
	session.Progress
	Difficulty float64       `json:"difficulty"`
	AtHardest  int           `json:"at_hardest"`
	Elapsed    time.Duration `json:"elapsed"`
}

// StopRule decides whether the session is complete.
type StopRule interface {
	ShouldStop(Status) bool
}

// StopFunc adapts a function to StopRule.
type StopFunc func(Status) bool

func (f StopFunc) ShouldStop(s Status) bool { return f(s) }

// MaxTrials stops after n completed trials.
func MaxTrials(n int) StopRule {
	return StopFunc(func(s Status) bool { return n > 0 && s.Trials >= n })
}

// MaxMisses stops once n answers have been wrong or missed.
func MaxMisses(n int) StopRule {
	return StopFunc(func(s Status) bool { return n > 0 && s.Misses >= n })
}

// HeldAtHardest stops once the staircase has sat at its hardest bound for
// k consecutive trials.
func HeldAtHardest(k int) StopRule {
	return StopFunc(func(s Status) bool { return k > 0 && s.AtHardest >= k })
}

// MaxDuration stops once the session has run for at least d.
func MaxDuration(d time.Duration) StopRule {
	return StopFunc(func(s Status) bool { return d > 0 && s.Elapsed >= d })
}

// Any stops when any rule does. Nil rules are skipped.
func Any(rules ...StopRule) StopRule {
	return StopFunc(func(s Status) bool {
		for _, r := range rules {
			if r != nil && r.ShouldStop(s) {
				return true
			}
		}
		return false
	})
}
