package scripting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/trial"
)

// ErrEmptyScript is returned when compiling a blank stop condition.
var ErrEmptyScript = errors.New("empty stop condition")

// Rule is a trial.StopRule backed by a JavaScript expression, for example
//
//	trials >= 40 || (misses >= 5 && accuracy < 50)
//
// The expression sees trials, correct, misses, streak, score, accuracy,
// difficulty, atHardest and elapsedMs. A Rule owns its runtime and belongs
// to one session.
type Rule struct {
	source string
	prog   *goja.Program
	vm     *VM
	log    *zap.Logger
}

// Compile parses source and returns a fresh rule. Syntax errors are reported
// here rather than during the session.
func Compile(source string, logger *zap.Logger) (*Rule, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, ErrEmptyScript
	}
	prog, err := goja.Compile("stop_condition", src, true)
	if err != nil {
		return nil, fmt.Errorf("compile stop condition: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rule{source: src, prog: prog, vm: NewVM(), log: logger}, nil
}

// Validate reports whether source compiles.
func Validate(source string) error {
	_, err := Compile(source, nil)
	return err
}

// Source returns the expression text.
func (r *Rule) Source() string { return r.source }

// Logs returns anything the expression printed with log().
func (r *Rule) Logs() []LogEntry { return r.vm.Logs() }

// ShouldStop evaluates the expression. A failing expression never stops the
// session; the error is logged and the session continues.
func (r *Rule) ShouldStop(s trial.Status) bool {
	stop, err := r.vm.Evaluate(r.prog, Variables(s))
	if err != nil {
		r.log.Warn("stop condition failed", zap.String("script", r.source), zap.Error(err))
		return false
	}
	return stop
}

// Variables maps a status onto the names visible to scripts.
func Variables(s trial.Status) map[string]any {
	return map[string]any{
		"trials":     s.Trials,
		"correct":    s.Correct,
		"misses":     s.Misses,
		"streak":     s.Streak,
		"score":      s.Score,
		"accuracy":   s.AccuracyPercent,
		"difficulty": s.Difficulty,
		"atHardest":  s.AtHardest,
		"elapsedMs":  s.Elapsed.Milliseconds(),
	}
}

var _ trial.StopRule = (*Rule)(nil)

