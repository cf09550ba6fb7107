package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
)

var ErrInvalidTransition = errors.New("status transition not allowed")

// JobStats summarizes the dashboard.
type JobStats struct {
	Total    int                   `json:"total"`
	ByStatus map[models.Status]int `json:"by_status"`
	Stale    int                   `json:"stale"`
}

// JobService serves the dashboard and manual status edits.
type JobService struct {
	Jobs     store.JobStore
	Notifier Notifier
	Log      zerolog.Logger
}

func NewJobService(jobs store.JobStore, notifier Notifier, log zerolog.Logger) *JobService {
	return &JobService{
		Jobs:     jobs,
		Notifier: notifier,
		Log:      log.With().Str("component", "jobs").Logger(),
	}
}

func (s *JobService) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	return s.Jobs.ListJobs(ctx, f)
}

func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// UpdateStatus applies a status the user set by hand. The transition table
// still applies.
func (s *JobService) UpdateStatus(ctx context.Context, jobID string, status models.Status, reason string) (*models.StatusTransition, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ApplicationStatus == status {
		return nil, nil
	}
	if !models.IsTransitionAllowed(job.ApplicationStatus, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.ApplicationStatus, status)
	}
	if reason == "" {
		reason = "manual update"
	}
	t := models.StatusTransition{JobID: jobID, OldStatus: job.ApplicationStatus, NewStatus: status, Reason: reason}
	err = withTx(ctx, s.Jobs, func(tx store.JobTx) error {
		return tx.SetStatus(ctx, jobID, status, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	s.Log.Info().Str("job_id", jobID).Msgf("⚡ %s -> %s", t.OldStatus, t.NewStatus)
	if s.Notifier != nil {
		if err := s.Notifier.NotifyTransition(ctx, t); err != nil {
			s.Log.Warn().Err(err).Msg("publish transition failed")
		}
	}
	return &t, nil
}

func (s *JobService) Stats(ctx context.Context, r store.TimeRange) (*JobStats, error) {
	jobs, err := s.Jobs.ListJobs(ctx, store.JobFilter{Range: r})
	if err != nil {
		return nil, err
	}
	stale, err := s.Jobs.SelectStale(ctx, r)
	if err != nil {
		return nil, err
	}
	st := &JobStats{Total: len(jobs), ByStatus: map[models.Status]int{}, Stale: len(stale)}
	for _, j := range jobs {
		st.ByStatus[j.ApplicationStatus]++
	}
	return st, nil
}
