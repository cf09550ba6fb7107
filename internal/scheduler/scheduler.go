// Package scheduler wires up the cron jobs that periodically ingest mail,
// reconcile rejections and repair stale jobs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/store"
	"github.com/justsurfingit/applytrail/internal/stream"
)

type MailSyncer interface {
	SyncEmails(ctx context.Context) (*services.MailSyncResult, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (*services.ReconcileResult, error)
}

type Enricher interface {
	Run(ctx context.Context, req services.EnrichRequest, sink stream.Sink) (*services.EnrichResult, error)
}

// Scheduler wraps robfig/cron. A cycle that is still running when its next
// tick fires is skipped.
type Scheduler struct {
	cron *cron.Cron

	Mail       MailSyncer
	Reconciler Reconciler
	Enricher   Enricher
	// CredentialName is the session the enrichment cycle uses.
	CredentialName string

	mailSpec   string
	enrichSpec string
	log        zerolog.Logger
}

// New creates a Scheduler. An empty enrichSpec disables periodic
// enrichment. Mail may be nil, in which case the cycle only reconciles.
func New(mail MailSyncer, rec Reconciler, enr Enricher, mailSpec, enrichSpec string, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		Mail:       mail,
		Reconciler: rec,
		Enricher:   enr,
		mailSpec:   mailSpec,
		enrichSpec: enrichSpec,
		log:        log,
	}
}

// Start registers the jobs and starts the scheduler. Also runs one mail
// cycle immediately so statuses are current without waiting for the first
// tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.mailSpec, func() { s.RunMailCycle(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc mail: %w", err)
	}
	if s.enrichSpec != "" && s.Enricher != nil {
		if _, err := s.cron.AddFunc(s.enrichSpec, func() { s.RunEnrichCycle(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc enrich: %w", err)
		}
	}

	s.cron.Start()
	s.log.Info().Str("mail", s.mailSpec).Str("enrich", s.enrichSpec).Msg("⏰ cron started")

	// Run immediately on startup (non-blocking)
	go s.RunMailCycle(ctx)
	return nil
}

// Stop shuts the scheduler down and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("cron stopped")
}

// RunMailCycle pulls new mail and reconciles rejections against the jobs.
// A mail failure does not prevent reconciling what is already stored.
func (s *Scheduler) RunMailCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.Mail != nil {
		res, err := s.Mail.SyncEmails(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("❌ mail sync failed")
		} else {
			s.log.Info().Int("fetched", res.Fetched).Int("stored", res.Stored).Msg("📥 mail synced")
		}
	}
	if s.Reconciler == nil {
		return
	}
	rec, err := s.Reconciler.Reconcile(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("❌ reconcile failed")
		return
	}
	s.log.Info().Int("transitions", len(rec.Transitions)).Int("unmatched", len(rec.Unmatched)).Msg("mail cycle complete")
}

// RunEnrichCycle repairs every stale job nobody is watching.
func (s *Scheduler) RunEnrichCycle(ctx context.Context) {
	if ctx.Err() != nil || s.Enricher == nil {
		return
	}
	res, err := s.Enricher.Run(ctx, services.EnrichRequest{Name: s.CredentialName, Range: store.TimeRange{}}, stream.Discard)
	if err != nil {
		s.log.Error().Err(err).Msg("❌ enrichment cycle failed")
		return
	}
	s.log.Info().Int("processed", res.Processed).Int("failed", res.Failed).Msg("enrichment cycle complete")
}

// cronLogger routes cron's own logging onto zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
