package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/capture"
	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
	"github.com/justsurfingit/applytrail/internal/stream"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

const (
	DefaultEnrichInterval = 1500 * time.Millisecond
	etaWindow             = 10
)

type EnrichRequest struct {
	Name  string
	Range store.TimeRange
}

type EnrichResult struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Changed   int    `json:"changed"`
	Repaired  int    `json:"repaired"`
	Reason    string `json:"reason"`
}

// EnrichmentService repairs stale jobs one at a time, spacing the detail
// calls by a fixed interval.
type EnrichmentService struct {
	Jobs        store.JobStore
	Credentials *CredentialService
	Details     DetailFetcher
	Interval    time.Duration
	Sleep       voyager.Sleeper
	Log         zerolog.Logger
	Now         func() time.Time
}

func NewEnrichmentService(jobs store.JobStore, creds *CredentialService, details DetailFetcher, interval time.Duration, log zerolog.Logger) *EnrichmentService {
	if interval <= 0 {
		interval = DefaultEnrichInterval
	}
	return &EnrichmentService{
		Jobs:        jobs,
		Credentials: creds,
		Details:     details,
		Interval:    interval,
		Sleep:       voyager.SleepContext,
		Log:         log.With().Str("component", "enrichment").Logger(),
		Now:         time.Now,
	}
}

// Run walks the stale jobs in range. Each job yields exactly one progress
// event. Cancelling ctx ends the loop with a single complete event.
func (s *EnrichmentService) Run(ctx context.Context, req EnrichRequest, sink stream.Sink) (*EnrichResult, error) {
	if sink == nil {
		sink = stream.Discard
	}
	res := &EnrichResult{}

	tmpl, rc, err := s.Credentials.Session(ctx, req.Name)
	if err != nil {
		sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Session"})
		return res, err
	}
	jobs, err := s.Jobs.SelectStale(ctx, req.Range)
	if err != nil {
		sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Store"})
		return res, fmt.Errorf("select stale jobs: %w", err)
	}
	res.Total = len(jobs)
	s.Log.Info().Int("total", res.Total).Msg("🩺 enrichment starting")
	sink.Emit(stream.KindStart, stream.StartEvent{Total: res.Total})

	eta := newRollingMean(etaWindow)
	for i := range jobs {
		job := &jobs[i]
		if ctx.Err() != nil {
			return s.finish(res, voyager.ReasonCancelled, sink), nil
		}

		started := s.Now()
		changes, err := s.enrichOne(ctx, tmpl, rc, job)
		if errors.Is(err, voyager.ErrBlocked) {
			s.Credentials.MarkBlocked(ctx, req.Name)
			res.Reason = voyager.ReasonBlocked
			sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Blocked", JobID: job.JobID})
			return res, err
		}
		if errors.Is(err, context.Canceled) {
			return s.finish(res, voyager.ReasonCancelled, sink), nil
		}
		eta.Add(s.Now().Sub(started))

		res.Processed++
		status := stream.StatusSuccess
		switch {
		case err != nil:
			res.Failed++
			status = stream.StatusFailed
			if kind := errorKind(err); kind != "EnrichmentMiss" && kind != "Transient" {
				sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: kind, JobID: job.JobID})
			}
		default:
			res.Succeeded++
		}
		if len(changes) > 0 {
			res.Changed++
		}

		remaining := res.Total - res.Processed
		sink.Emit(stream.KindProgress, stream.ProgressEvent{
			Current:    res.Processed,
			Total:      res.Total,
			JobID:      job.JobID,
			JobTitle:   job.Title,
			Company:    jobCompany(job),
			Status:     status,
			ETASeconds: (eta.Mean() * time.Duration(remaining)).Seconds(),
			Changes:    changes,
		})

		if remaining > 0 {
			now := s.Now()
			left := now.Add(eta.Mean()*time.Duration(remaining) + s.Interval*time.Duration(remaining))
			sink.Emit(stream.KindWait, stream.WaitEvent{
				Current: res.Processed,
				Total:   res.Total,
				Message: fmt.Sprintf("Next job %s, finishing %s",
					humanize.RelTime(now, now.Add(s.Interval), "from now", "ago"),
					humanize.RelTime(now, left, "from now", "ago")),
			})
			if err := s.Sleep(ctx, s.Interval); err != nil {
				return s.finish(res, voyager.ReasonCancelled, sink), nil
			}
		}
	}

	// Applied jobs the upstream never dated fall back to their creation time.
	repaired, err := s.repairAppliedOn(ctx, req.Range)
	if err != nil {
		s.Log.Error().Err(err).Msg("applied_on repair failed")
		sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Store"})
	}
	res.Repaired = repaired
	return s.finish(res, voyager.ReasonDone, sink), nil
}

func (s *EnrichmentService) finish(res *EnrichResult, reason string, sink stream.Sink) *EnrichResult {
	res.Reason = reason
	s.Log.Info().Int("processed", res.Processed).Int("total", res.Total).Int("failed", res.Failed).
		Str("reason", reason).Msg("✅ enrichment finished")
	sink.Emit(stream.KindComplete, stream.CompleteEvent{
		Message:   fmt.Sprintf("Enriched %d of %d jobs", res.Processed, res.Total),
		Reason:    reason,
		Processed: res.Processed,
		Updated:   res.Changed,
		Failed:    res.Failed,
	})
	return res
}

// enrichOne fetches, merges and commits one job. A miss still merges the
// lifecycle fields the payload did carry.
func (s *EnrichmentService) enrichOne(ctx context.Context, tmpl *capture.Template, rc capture.RequestContext, job *models.Job) ([]models.FieldChange, error) {
	log := s.Log.With().Str("job_id", job.JobID).Logger()

	detail, fetchErr := s.Details.FetchDetail(ctx, tmpl, job.JobID, rc)
	if fetchErr != nil && !errors.Is(fetchErr, voyager.ErrEnrichmentMiss) {
		log.Warn().Err(fetchErr).Msg("⚠️ detail fetch failed")
		return nil, fetchErr
	}
	if fetchErr != nil {
		log.Warn().Msg("⚠️ no description in detail payload")
	}

	fields, changes := Merge(job, FromDetail(detail))
	if len(fields) == 0 {
		// A miss on an analyzed job still sends it back to the analyst.
		if fetchErr == nil || !job.Processed {
			return nil, fetchErr
		}
	}
	// Revisit changed rows in the next analyst pass.
	fields[models.ColProcessed] = false

	err := withTx(ctx, s.Jobs, func(tx store.JobTx) error {
		return applyFields(ctx, tx, job.JobID, fields, "job detail")
	})
	if err != nil {
		log.Error().Err(err).Msg("❌ store update failed, rolled back")
		return nil, fmt.Errorf("update job %s: %w", job.JobID, err)
	}
	log.Info().Int("changes", len(changes)).Msg("💾 job enriched")
	return changes, fetchErr
}

func (s *EnrichmentService) repairAppliedOn(ctx context.Context, r store.TimeRange) (int, error) {
	applied, err := s.Jobs.SelectApplied(ctx, r)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, j := range applied {
		if j.AppliedOn != nil {
			continue
		}
		err := withTx(ctx, s.Jobs, func(tx store.JobTx) error {
			return tx.Update(ctx, j.JobID, map[string]any{models.ColAppliedOn: j.CreatedAt})
		})
		if err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

func jobCompany(j *models.Job) string {
	if j.Company != nil {
		return j.Company.Name
	}
	return ""
}

// rollingMean averages the last n samples.
type rollingMean struct {
	samples []time.Duration
	next    int
	full    bool
}

func newRollingMean(n int) *rollingMean {
	return &rollingMean{samples: make([]time.Duration, n)}
}

func (m *rollingMean) Add(d time.Duration) {
	m.samples[m.next] = d
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.full = true
	}
}

func (m *rollingMean) Mean() time.Duration {
	n := m.next
	if m.full {
		n = len(m.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.samples[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}
