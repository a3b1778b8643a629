package sim

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/session"
)

// BatchRequest describes a set of simulated sessions.
type BatchRequest struct {
	Protocol protocol.Definition
	Observer Observer
	Sessions int
	// Workers bounds parallelism. Zero means GOMAXPROCS.
	Workers int
	// Seed prefixes the per-session seeds, which are Seed-0, Seed-1, ...
	Seed   string
	Logger *zap.Logger
	// OnSession is called from worker goroutines as sessions finish.
	OnSession func(i int, s *session.Summary)
}

// Distribution summarises one value across sessions.
type Distribution struct {
	Mean float64 `json:"mean"`
	SD   float64 `json:"sd"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Report is the outcome of a batch.
type Report struct {
	Protocol        string       `json:"protocol"`
	Sessions        int          `json:"sessions"`
	FinalDifficulty Distribution `json:"final_difficulty"`
	Accuracy        Distribution `json:"accuracy_percent"`
	Trials          Distribution `json:"trials"`
	Reversals       Distribution `json:"reversals"`
	Elapsed         string       `json:"elapsed"`
	// Threshold echoes the observer so reports can be compared.
	Threshold float64 `json:"observer_threshold"`
}

// Batch runs req.Sessions sessions over a bounded worker pool. It stops at
// the first failing session.
func Batch(ctx context.Context, req BatchRequest) (*Report, error) {
	if req.Sessions <= 0 {
		return nil, fmt.Errorf("sim: sessions must be positive, got %d", req.Sessions)
	}
	if err := req.Observer.Validate(); err != nil {
		return nil, err
	}
	workers := req.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if req.Seed == "" {
		req.Seed = "sim"
	}

	start := time.Now()
	results := make([]*session.Summary, req.Sessions)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range req.Sessions {
		g.Go(func() error {
			s, err := Run(gctx, req.Protocol, req.Observer, fmt.Sprintf("%s-%d", req.Seed, i), req.Logger)
			if err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			results[i] = s
			if req.OnSession != nil {
				req.OnSession(i, s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var final, acc, trials, revs []float64
	for _, s := range results {
		final = append(final, s.FinalDifficulty)
		acc = append(acc, s.AccuracyPercent)
		trials = append(trials, float64(len(s.Trials)))
		if n, ok := s.Metadata["reversals"].(int); ok {
			revs = append(revs, float64(n))
		}
	}
	return &Report{
		Protocol:        req.Protocol.ID,
		Sessions:        req.Sessions,
		FinalDifficulty: distribution(final),
		Accuracy:        distribution(acc),
		Trials:          distribution(trials),
		Reversals:       distribution(revs),
		Elapsed:         time.Since(start).Round(time.Millisecond).String(),
		Threshold:       req.Observer.Threshold,
	}, nil
}

func distribution(vs []float64) Distribution {
	if len(vs) == 0 {
		return Distribution{}
	}
	d := Distribution{Min: vs[0], Max: vs[0]}
	var sum float64
	for _, v := range vs {
		sum += v
		d.Min = math.Min(d.Min, v)
		d.Max = math.Max(d.Max, v)
	}
	mean := sum / float64(len(vs))
	var sq float64
	for _, v := range vs {
		sq += (v - mean) * (v - mean)
	}
	d.Mean = round(mean)
	d.SD = round(math.Sqrt(sq / float64(len(vs))))
	d.Min, d.Max = round(d.Min), round(d.Max)
	return d
}

func round(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(3).Float64()
	return f
}
