package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/session"
)

var ErrRecorderClosed = errors.New("recorder closed")

const writeTimeout = 5 * time.Second

// Recorder queues finished sessions and writes them from a single goroutine
// so the trial loop never waits on the database.
type Recorder struct {
	store *Store
	log   *zap.Logger
	queue chan job

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type job struct {
	rec       *session.Record
	sessionID string
	trials    []session.Trial
}

// NewRecorder starts the writer goroutine. size bounds the queue.
func NewRecorder(store *Store, logger *zap.Logger, size int) *Recorder {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store: store,
		log:   logger,
		queue: make(chan job, size),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// SaveSession enqueues rec. It blocks only while the queue is full, and
// gives up when ctx ends. It implements session.ProgressSink.
func (r *Recorder) SaveSession(ctx context.Context, rec session.Record) error {
	return r.enqueue(ctx, job{rec: &rec})
}

// SaveTrials enqueues per-trial detail for a session.
func (r *Recorder) SaveTrials(ctx context.Context, sessionID string, trials []session.Trial) error {
	return r.enqueue(ctx, job{sessionID: sessionID, trials: trials})
}

func (r *Recorder) enqueue(ctx context.Context, j job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		if j.rec != nil {
			err = r.store.SaveSession(ctx, *j.rec)
		} else {
			err = r.store.SaveTrials(ctx, j.sessionID, j.trials)
		}
		cancel()
		if err != nil {
			id := j.sessionID
			if j.rec != nil {
				id = j.rec.ID
			}
			r.log.Error("store: flush failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Close stops accepting work and waits until the queue has drained.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}
