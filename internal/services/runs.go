package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/stream"
)

// Run kinds.
const (
	RunSync     = "sync"
	RunBackfill = "backfill"
	RunEnrich   = "enrich"
)

var ErrRunNotFound = errors.New("run not found")

// Run is one streamed pipeline execution.
type Run struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Started time.Time `json:"started"`

	Stream *stream.Stream `json:"-"`
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the pipeline returns.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err is the pipeline's error. Valid after Done is closed.
func (r *Run) Err() error { return r.err }

// Runs keeps the pipelines that are still running so they can be
// cancelled by id.
type Runs struct {
	mu   sync.Mutex
	runs map[string]*Run
	Buf  int
	Log  zerolog.Logger
}

func NewRuns(log zerolog.Logger) *Runs {
	return &Runs{
		runs: make(map[string]*Run),
		Buf:  64,
		Log:  log.With().Str("component", "runs").Logger(),
	}
}

// Start runs fn in its own goroutine. The run outlives parent's
// cancellation; only Cancel stops it. The stream is closed when fn returns.
func (rs *Runs) Start(parent context.Context, kind string, fn func(ctx context.Context, sink stream.Sink) error) *Run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	run := &Run{
		ID:      uuid.NewString(),
		Kind:    kind,
		Started: time.Now(),
		Stream:  stream.New(rs.Buf),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	rs.mu.Lock()
	rs.runs[run.ID] = run
	rs.mu.Unlock()

	log := rs.Log.With().Str("run_id", run.ID).Str("kind", kind).Logger()
	log.Info().Msg("▶️ run started")
	go func() {
		defer func() {
			rs.mu.Lock()
			delete(rs.runs, run.ID)
			rs.mu.Unlock()
			cancel()
			run.Stream.Close()
			close(run.done)
		}()
		run.err = fn(ctx, run.Stream)
		if run.err != nil {
			log.Warn().Err(run.err).Msg("run ended with error")
			return
		}
		log.Info().Dur("took", time.Since(run.Started)).Msg("⏹️ run finished")
	}()
	return run
}

// Cancel asks the run to stop at its next suspension point.
func (rs *Runs) Cancel(id string) error {
	rs.mu.Lock()
	run, ok := rs.runs[id]
	rs.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	run.cancel()
	return nil
}

// List returns the live runs, oldest first.
func (rs *Runs) List() []*Run {
	rs.mu.Lock()
	out := make([]*Run, 0, len(rs.runs))
	for _, r := range rs.runs {
		out = append(out, r)
	}
	rs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
