// Package trial runs the per-trial phase sequence of a training session.
//
// A Machine moves through Idle, Fixation, Presenting, ResponseWindow and
// Feedback for every trial, then either starts the next trial or completes
// the session. Phase changes are driven by timers from a Scheduler; every
// callback carries the generation it was armed in, and a callback from an
// older generation is ignored. All state sits behind one mutex, and
// collaborators (emitter, observer, sink) are called after it is released.
package trial

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
	"github.com/MJE43/vision-trainer-go/internal/engine"
	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/staircase"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
)

// Phase of the trial loop.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseFixation       Phase = "fixation"
	PhasePresenting     Phase = "presenting"
	PhaseResponseWindow Phase = "response_window"
	PhaseFeedback       Phase = "feedback"
	PhaseComplete       Phase = "complete"
)

var (
	ErrNotIdle      = errors.New("session already started")
	ErrInvalidSetup = errors.New("invalid trial machine setup")
)

// Timing holds the phase durations. ResponseWindow is measured from
// stimulus onset and so includes Presentation.
type Timing struct {
	Fixation       time.Duration `yaml:"fixation" mapstructure:"fixation" json:"fixation"`
	FixationJitter time.Duration `yaml:"fixation_jitter" mapstructure:"fixation_jitter" json:"fixation_jitter,omitempty"`
	Presentation   time.Duration `yaml:"presentation" mapstructure:"presentation" json:"presentation"`
	ResponseWindow time.Duration `yaml:"response_window" mapstructure:"response_window" json:"response_window"`
	Feedback       time.Duration `yaml:"feedback" mapstructure:"feedback" json:"feedback"`
}

// Validate checks that the window outlasts the presentation.
func (t Timing) Validate() error {
	if t.Fixation < 0 || t.FixationJitter < 0 || t.Feedback < 0 || t.Presentation <= 0 {
		return fmt.Errorf("%w: negative or empty phase duration", ErrInvalidSetup)
	}
	if t.ResponseWindow <= t.Presentation {
		return fmt.Errorf("%w: response window %v must exceed presentation %v", ErrInvalidSetup, t.ResponseWindow, t.Presentation)
	}
	return nil
}

// Presentation is what a generator produces for one trial.
type Presentation struct {
	Spec     stimulus.Spec
	Expected string
}

// Generator builds the stimulus for a trial from the current difficulty.
// rng is seeded per trial so sessions replay exactly.
type Generator interface {
	Next(trial int, difficulty float64, rng *engine.Stream) (Presentation, error)
}

// Scorer awards points for a trial outcome.
type Scorer func(correct bool, difficulty float64) int

// Emitter receives a snapshot after every phase change.
type Emitter interface {
	EmitPhase(Snapshot)
}

// Observer is told about trial outcomes and session ends.
type Observer interface {
	TrialCompleted(protocol string, correct, timedOut bool, reaction time.Duration)
	SessionEnded(protocol string, aborted bool)
}

// Config wires a Machine. Generator, Staircase and Aggregator are required.
type Config struct {
	Protocol   string
	Seed       string
	Timing     Timing
	Generator  Generator
	Staircase  *staircase.Staircase
	Aggregator *session.Aggregator
	Score      Scorer
	Stop       StopRule
	Scheduler  Scheduler
	Emitter    Emitter
	Observer   Observer
	Logger     *zap.Logger

	// BestKey, when set, also records the hardest difficulty reached under
	// a protocol-specific metadata key such as "bestContrast".
	BestKey string

	// Frames are rendered only when Surface is non-empty.
	Profile calibration.Profile
	Surface stimulus.Surface
}

// Snapshot is the externally visible machine state.
type Snapshot struct {
	SessionID   string          `json:"session_id"`
	Protocol    string          `json:"protocol"`
	Phase       Phase           `json:"phase"`
	Trial       int             `json:"trial"`
	Difficulty  float64         `json:"difficulty"`
	Score       int             `json:"score"`
	Accuracy    float64         `json:"accuracy_percent"`
	LastCorrect *bool           `json:"last_correct,omitempty"`
	Seq         uint64          `json:"seq"`
	At          time.Time       `json:"at"`
	Frame       *stimulus.Frame `json:"frame,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type pending struct {
	pres        Presentation
	difficulty  float64
	presentedAt time.Time
	frame       *stimulus.Frame
}

// Machine is one session's trial loop.
type Machine struct {
	mu  sync.Mutex
	cfg Config
	log *zap.Logger

	phase     Phase
	gen       uint64
	seq       uint64
	primary   Timer
	window    Timer
	index     int
	current   *pending
	frame     *stimulus.Frame
	last      *bool
	atHardest int
	startedAt time.Time
	err       error

	summary *session.Summary
	done    chan struct{}
	outbox  []func()
}

// New validates cfg and returns an idle machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Generator == nil || cfg.Staircase == nil || cfg.Aggregator == nil {
		return nil, fmt.Errorf("%w: generator, staircase and aggregator are required", ErrInvalidSetup)
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, err
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler{}
	}
	if cfg.Score == nil {
		cfg.Score = func(correct bool, _ float64) int {
			if correct {
				return 1
			}
			return 0
		}
	}
	if cfg.Stop == nil {
		cfg.Stop = MaxTrials(20)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		cfg:   cfg,
		log:   log.With(zap.String("session_id", cfg.Aggregator.ID()), zap.String("protocol", cfg.Protocol)),
		phase: PhaseIdle,
		done:  make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (m *Machine) ID() string { return m.cfg.Aggregator.ID() }

// Protocol returns the protocol id the machine was built for.
func (m *Machine) Protocol() string { return m.cfg.Protocol }

// Start leaves Idle and begins the first trial's fixation.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrNotIdle
	}
	m.startedAt = m.cfg.Scheduler.Now()
	m.log.Info("session started", zap.String("seed", m.cfg.Seed))
	m.beginTrial()
	err := m.err
	m.unlock()
	return err
}

// Respond submits an answer. It is accepted only during the response
// window, and at most once per trial; anything else is silently dropped.
func (m *Machine) Respond(answer string) bool {
	m.mu.Lock()
	if m.phase != PhaseResponseWindow || m.current == nil {
		m.mu.Unlock()
		return false
	}
	m.resolve(answer, false)
	m.unlock()
	return true
}

// Abort ends the session immediately and returns the finalized summary.
// Outstanding timers are cancelled and any late callbacks are ignored.
func (m *Machine) Abort() *session.Summary {
	m.mu.Lock()
	if m.phase == PhaseComplete {
		s := m.summary
		m.mu.Unlock()
		return s
	}
	m.invalidate()
	m.finish(true)
	s := m.summary
	m.unlock()
	return s
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Frame returns what should be on screen now, if frames are rendered.
func (m *Machine) Frame() *stimulus.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

// Done is closed when the session completes or is aborted.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Summary returns the finalized summary, or nil while running.
func (m *Machine) Summary() *session.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// Flush blocks until the finished session has been handed to the progress sink.
func (m *Machine) Flush() { m.cfg.Aggregator.Wait() }

// Err reports why a session ended early, if it did so on an error.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// unlock releases the mutex and then runs queued notifications.
func (m *Machine) unlock() {
	out := m.outbox
	m.outbox = nil
	m.mu.Unlock()
	for _, f := range out {
		f()
	}
}

func (m *Machine) notify() {
	if m.cfg.Emitter == nil {
		return
	}
	snap := m.snapshot()
	em := m.cfg.Emitter
	m.outbox = append(m.outbox, func() { em.EmitPhase(snap) })
}

func (m *Machine) snapshot() Snapshot {
	m.seq++
	p := m.cfg.Aggregator.Progress()
	s := Snapshot{
		SessionID:   m.cfg.Aggregator.ID(),
		Protocol:    m.cfg.Protocol,
		Phase:       m.phase,
		Trial:       m.index,
		Difficulty:  m.cfg.Staircase.Current(),
		Score:       p.Score,
		Accuracy:    p.AccuracyPercent,
		LastCorrect: m.last,
		Seq:         m.seq,
		At:          m.cfg.Scheduler.Now(),
		Frame:       m.frame,
	}
	if m.err != nil {
		s.Error = m.err.Error()
	}
	return s
}

// invalidate cancels outstanding timers and bumps the generation.
func (m *Machine) invalidate() {
	if m.primary != nil {
		m.primary.Stop()
		m.primary = nil
	}
	if m.window != nil {
		m.window.Stop()
		m.window = nil
	}
	m.gen++
}

func (m *Machine) arm(d time.Duration, fn func()) Timer {
	gen := m.gen
	return m.cfg.Scheduler.AfterFunc(d, func() {
		m.mu.Lock()
		if gen != m.gen || m.phase == PhaseComplete {
			m.mu.Unlock()
			return
		}
		fn()
		m.unlock()
	})
}

func (m *Machine) rendering() bool {
	return m.cfg.Surface.Width > 0 && m.cfg.Surface.Height > 0
}

func (m *Machine) neutral(kind stimulus.Kind) *stimulus.Frame {
	if !m.rendering() {
		return nil
	}
	f, err := stimulus.Fixation(m.cfg.Surface, kind)
	if err != nil {
		return nil
	}
	return f
}

func (m *Machine) beginTrial() {
	m.invalidate()

	difficulty := m.cfg.Staircase.Current()
	rng := engine.NewStream(m.cfg.Seed, m.cfg.Protocol, uint64(m.index))
	pres, err := m.cfg.Generator.Next(m.index, difficulty, rng)
	if err == nil && pres.Spec == nil {
		err = stimulus.ErrUnsupportedStimulus
	}
	var frame *stimulus.Frame
	if err == nil && m.rendering() {
		// rendered ahead of onset so a bad spec fails before fixation
		frame, err = stimulus.Render(pres.Spec, m.cfg.Profile, m.cfg.Surface)
	}
	if err != nil {
		m.err = fmt.Errorf("trial %d: %w", m.index, err)
		m.log.Error("stimulus generation failed", zap.Int("trial", m.index), zap.Error(err))
		m.finish(true)
		return
	}

	m.current = &pending{pres: pres, difficulty: difficulty, frame: frame}
	m.phase = PhaseFixation
	m.last = nil
	m.frame = m.neutral(pres.Spec.Kind())

	wait := m.cfg.Timing.Fixation
	if j := m.cfg.Timing.FixationJitter; j > 0 {
		wait += time.Duration(rng.Float() * float64(j))
	}
	m.primary = m.arm(wait, m.present)
	m.notify()
}

func (m *Machine) present() {
	m.phase = PhasePresenting
	m.current.presentedAt = m.cfg.Scheduler.Now()
	m.frame = m.current.frame
	m.primary = m.arm(m.cfg.Timing.Presentation, m.withdraw)
	m.window = m.arm(m.cfg.Timing.ResponseWindow, m.expire)
	m.notify()
}

func (m *Machine) withdraw() {
	if m.phase != PhasePresenting {
		return
	}
	m.phase = PhaseResponseWindow
	m.primary = nil
	m.frame = m.neutral(m.current.pres.Spec.Kind())
	m.notify()
}

func (m *Machine) expire() {
	if m.phase != PhaseResponseWindow && m.phase != PhasePresenting {
		return
	}
	m.window = nil
	m.resolve("", true)
}

func (m *Machine) resolve(answer string, timedOut bool) {
	m.invalidate()
	cur := m.current
	now := m.cfg.Scheduler.Now()

	correct := !timedOut && strings.EqualFold(strings.TrimSpace(answer), cur.pres.Expected)
	t := session.Trial{
		Index:       m.index,
		Stimulus:    cur.pres.Spec,
		Expected:    cur.pres.Expected,
		Difficulty:  cur.difficulty,
		PresentedAt: cur.presentedAt,
		Response:    answer,
		Correct:     correct,
		TimedOut:    timedOut,
		Points:      m.cfg.Score(correct, cur.difficulty),
	}
	if !timedOut {
		t.RespondedAt = &now
	}

	next := m.cfg.Staircase.Update(correct)
	if next == m.cfg.Staircase.Config().Hardest() {
		m.atHardest++
	} else {
		m.atHardest = 0
	}
	if err := m.cfg.Aggregator.RecordTrial(t); err != nil {
		m.log.Warn("trial not recorded", zap.Int("trial", m.index), zap.Error(err))
	}

	m.log.Debug("trial resolved",
		zap.Int("trial", m.index),
		zap.Bool("correct", correct),
		zap.Bool("timed_out", timedOut),
		zap.Float64("difficulty", cur.difficulty),
		zap.Float64("next_difficulty", next))

	if obs := m.cfg.Observer; obs != nil {
		rt, _ := t.ReactionTime()
		proto := m.cfg.Protocol
		m.outbox = append(m.outbox, func() { obs.TrialCompleted(proto, correct, timedOut, rt) })
	}

	m.phase = PhaseFeedback
	m.last = &correct
	m.frame = m.neutral(cur.pres.Spec.Kind())
	m.primary = m.arm(m.cfg.Timing.Feedback, m.advance)
	m.notify()
}

func (m *Machine) advance() {
	status := Status{
		Progress:   m.cfg.Aggregator.Progress(),
		Difficulty: m.cfg.Staircase.Current(),
		AtHardest:  m.atHardest,
		Elapsed:    m.cfg.Scheduler.Now().Sub(m.startedAt),
	}
	if m.cfg.Stop.ShouldStop(status) {
		m.invalidate()
		m.finish(false)
		return
	}
	m.index++
	m.beginTrial()
}

func (m *Machine) finish(aborted bool) {
	st := m.cfg.Staircase.State()
	m.cfg.Aggregator.SetMetadata("bestDifficulty", st.Best)
	m.cfg.Aggregator.SetMetadata("reversals", st.Reversals)
	if m.cfg.BestKey != "" {
		m.cfg.Aggregator.SetMetadata(m.cfg.BestKey, st.Best)
	}

	m.phase = PhaseComplete
	m.current = nil
	m.frame = nil
	m.summary = m.cfg.Aggregator.Finalize(st.Difficulty, aborted)
	close(m.done)

	m.log.Info("session finished",
		zap.Bool("aborted", aborted),
		zap.Int("trials", len(m.summary.Trials)),
		zap.Float64("accuracy", m.summary.AccuracyPercent),
		zap.Float64("final_difficulty", st.Difficulty))

	if obs := m.cfg.Observer; obs != nil {
		proto := m.cfg.Protocol
		m.outbox = append(m.outbox, func() { obs.SessionEnded(proto, aborted) })
	}
	m.notify()
}
