// Package app is the session service shared by the HTTP API and the CLI. It
// owns the protocol catalog, the screen calibration and the live sessions.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
	"github.com/MJE43/vision-trainer-go/internal/metrics"
	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/store"
	"github.com/MJE43/vision-trainer-go/internal/trial"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidAnswer   = errors.New("answer not in the protocol's response set")
	ErrTooManySessions = errors.New("too many active sessions")
	ErrInvalidSurface  = errors.New("surface too large")
	ErrServiceClosed   = errors.New("service closed")
)

const maxSurfaceDimension = 4096

// Options wires a Service. Registry is required.
type Options struct {
	Registry *protocol.Registry
	Store    *store.Store
	// Recorder persists finished sessions. Without one nothing is saved.
	Recorder  *store.Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Profile   calibration.Profile
	Surface   stimulus.Surface
	ReapAfter time.Duration
	MaxActive int
	// Scheduler is shared by every session; nil means real time.
	Scheduler trial.Scheduler
	Now       func() time.Time
}

// Service manages live sessions.
type Service struct {
	opts Options
	log  *zap.Logger

	mu      sync.RWMutex
	profile calibration.Profile
	live    map[string]*liveSession
	closed  bool
	wg      sync.WaitGroup
}

type liveSession struct {
	def      protocol.Definition
	machine  *trial.Machine
	events   *hub
	started  time.Time
	finished time.Time
}

// New returns a service.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("app: protocol registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReapAfter <= 0 {
		opts.ReapAfter = 5 * time.Minute
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		opts:    opts,
		log:     opts.Logger,
		profile: opts.Profile,
		live:    make(map[string]*liveSession),
	}, nil
}

// Store returns the progress store, which may be nil.
func (s *Service) Store() *store.Store { return s.opts.Store }

// Calibrate replaces the screen calibration. A non-positive physical width
// means the credit-card reference.
func (s *Service) Calibrate(referenceWidthPx, physicalWidthMm float64) (calibration.Profile, error) {
	if physicalWidthMm <= 0 {
		physicalWidthMm = calibration.CreditCardWidthMm
	}
	p, err := calibration.Calibrate(referenceWidthPx, physicalWidthMm)
	if err != nil {
		return calibration.Profile{}, err
	}
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	s.log.Info("screen calibrated", zap.Float64("px_per_mm", p.PixelsPerMillimeter))
	return p, nil
}

// Profile returns the current calibration.
func (s *Service) Profile() calibration.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// Protocols lists the catalog.
func (s *Service) Protocols() []protocol.Definition { return s.opts.Registry.List() }

// StartRequest describes a new session.
type StartRequest struct {
	Protocol string
	Seed     string
	// Surface overrides the default render size. A zero surface falls back
	// to the service default.
	Surface stimulus.Surface
}

// StartSession creates and starts a session and returns its first snapshot.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (trial.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return trial.Snapshot{}, err
	}
	def, err := s.opts.Registry.Get(req.Protocol)
	if err != nil {
		return trial.Snapshot{}, err
	}
	surface := req.Surface
	if surface.Width == 0 && surface.Height == 0 {
		surface = s.opts.Surface
	}
	if surface.Width < 0 || surface.Height < 0 || surface.Width > maxSurfaceDimension || surface.Height > maxSurfaceDimension {
		return trial.Snapshot{}, fmt.Errorf("%w: %dx%d", ErrInvalidSurface, surface.Width, surface.Height)
	}
	profile := s.Profile()
	rendering := surface.Width > 0 && surface.Height > 0
	if rendering && def.Stimulus == stimulus.KindOptotype && !profile.Valid() {
		return trial.Snapshot{}, fmt.Errorf("%s needs a screen calibration: %w", def.ID, calibration.ErrInvalidCalibration)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return trial.Snapshot{}, ErrServiceClosed
	}
	if s.activeLocked() >= s.opts.MaxActive {
		s.mu.Unlock()
		return trial.Snapshot{}, ErrTooManySessions
	}

	events := newHub()
	opts := protocol.Options{
		Seed:      req.Seed,
		Profile:   profile,
		Surface:   surface,
		Scheduler: s.opts.Scheduler,
		Emitter:   events,
		Logger:    s.log,
	}
	if s.opts.Recorder != nil {
		opts.Sink = s.opts.Recorder
	}
	if s.opts.Metrics != nil {
		opts.Observer = s.opts.Metrics
	}
	m, err := def.NewSession(opts)
	if err != nil {
		s.mu.Unlock()
		return trial.Snapshot{}, err
	}
	ls := &liveSession{def: def, machine: m, events: events, started: s.opts.Now()}
	s.live[m.ID()] = ls
	s.wg.Add(1)
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionStarted(def.ID)
	}
	go s.watch(ls)

	if err := m.Start(); err != nil {
		m.Abort()
		return m.Snapshot(), fmt.Errorf("start %s: %w", def.ID, err)
	}
	return m.Snapshot(), nil
}

func (s *Service) activeLocked() int {
	n := 0
	for _, ls := range s.live {
		if ls.finished.IsZero() {
			n++
		}
	}
	return n
}

// watch persists trial detail once the session ends.
func (s *Service) watch(ls *liveSession) {
	defer s.wg.Done()
	<-ls.machine.Done()
	ls.machine.Flush()

	s.mu.Lock()
	ls.finished = s.opts.Now()
	s.mu.Unlock()

	sum := ls.machine.Summary()
	if sum == nil || len(sum.Trials) == 0 || s.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Recorder.SaveTrials(ctx, sum.ID, sum.Trials); err != nil {
		s.log.Warn("trial detail not saved", zap.String("session_id", sum.ID), zap.Error(err))
		if s.opts.Metrics != nil {
			s.opts.Metrics.StoreWriteFailed()
		}
	}
}

func (s *Service) get(id string) (*liveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ls, nil
}

// Respond submits an answer. accepted is false when the session was not
// waiting for a response; that is not an error.
func (s *Service) Respond(id, answer string) (accepted bool, err error) {
	ls, err := s.get(id)
	if err != nil {
		return false, err
	}
	if !ls.def.AcceptsAnswer(answer) {
		return false, fmt.Errorf("%w: %q", ErrInvalidAnswer, answer)
	}
	return ls.machine.Respond(answer), nil
}

// Abort ends a session and returns its summary.
func (s *Service) Abort(id string) (*session.Summary, error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return ls.machine.Abort(), nil
}

// Snapshot returns a session's current state.
func (s *Service) Snapshot(id string) (trial.Snapshot, error) {
	ls, err := s.get(id)
	if err != nil {
		return trial.Snapshot{}, err
	}
	return ls.machine.Snapshot(), nil
}

// Frame returns what the session wants on screen now. It is nil between
// presentations when no frames are rendered.
func (s *Service) Frame(id string) (*stimulus.Frame, error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return ls.machine.Frame(), nil
}

// Summary returns the finished summary, or nil while running.
func (s *Service) Summary(id string) (*session.Summary, error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return ls.machine.Summary(), nil
}

// Subscribe streams a session's phase snapshots until it completes or
// cancel is called.
func (s *Service) Subscribe(id string) (<-chan trial.Snapshot, func(), error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := ls.events.subscribe()
	return ch, cancel, nil
}

// Active returns the ids of sessions still running.
func (s *Service) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, ls := range s.live {
		if ls.finished.IsZero() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Reap forgets sessions that finished more than ReapAfter ago and returns
// how many were removed.
func (s *Service) Reap() int {
	cutoff := s.opts.Now().Add(-s.opts.ReapAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ls := range s.live {
		if !ls.finished.IsZero() && ls.finished.Before(cutoff) {
			delete(s.live, id)
			n++
		}
	}
	return n
}

// Run reaps periodically until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(max(s.opts.ReapAfter/5, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.Reap(); n > 0 {
				s.log.Debug("reaped finished sessions", zap.Int("count", n))
			}
		}
	}
}

// Close aborts every running session and waits for their results to be
// handed off.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	var running []*trial.Machine
	for _, ls := range s.live {
		if ls.finished.IsZero() {
			running = append(running, ls.machine)
		}
	}
	s.mu.Unlock()

	for _, m := range running {
		m.Abort()
	}
	s.wg.Wait()
}
