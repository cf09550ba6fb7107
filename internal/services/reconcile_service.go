package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
)

// UnmatchedEmail is a rejection the rules could not place on a job.
type UnmatchedEmail struct {
	MessageID string   `json:"message_id"`
	Subject   string   `json:"subject"`
	Sender    string   `json:"sender"`
	Derived   *Derived `json:"derived,omitempty"`
}

type ReconcileResult struct {
	Examined    int                       `json:"examined"`
	Transitions []models.StatusTransition `json:"transitions"`
	// Resolved counts e-mails about jobs that already hold a terminal
	// status, typically from an earlier run.
	Resolved  int              `json:"resolved"`
	Unmatched []UnmatchedEmail `json:"unmatched"`
}

// ReconcileService moves applications to Refused when a rejection e-mail
// names them.
type ReconcileService struct {
	Jobs     store.JobStore
	Emails   store.EmailStore
	Matcher  *MatcherService
	Notifier Notifier
	Log      zerolog.Logger
}

func NewReconcileService(jobs store.JobStore, emails store.EmailStore, matcher *MatcherService, notifier Notifier, log zerolog.Logger) *ReconcileService {
	return &ReconcileService{
		Jobs:     jobs,
		Emails:   emails,
		Matcher:  matcher,
		Notifier: notifier,
		Log:      log.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile matches every rejection e-mail against the non-terminal jobs.
// Running it again with the same inputs changes nothing.
func (s *ReconcileService) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{Transitions: []models.StatusTransition{}, Unmatched: []UnmatchedEmail{}}

	// 1. Load both sides
	emails, err := s.Emails.SelectRejections(ctx)
	if err != nil {
		return nil, fmt.Errorf("select rejections: %w", err)
	}
	active, err := s.Jobs.SelectActiveNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	s.Log.Info().Int("emails", len(emails)).Int("active_jobs", len(active)).Msg("📧 reconcile starting")

	var settled []models.Job
	for _, email := range emails {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Examined++
		logPrefix := fmt.Sprintf("[Email: %s]", shorten(email.Subject, 20))

		// --- STEP 1: DERIVE ---
		derived, ok := s.Matcher.Derive(email.Subject, email.SenderDisplay, email.SenderAddress)
		if !ok {
			s.Log.Info().Msgf("%s ❌ SKIPPED: no company hint in subject or sender", logPrefix)
			res.Unmatched = append(res.Unmatched, unmatched(email, nil))
			continue
		}

		// --- STEP 2: MATCH ---
		candidates := s.Matcher.Match(derived, active)
		if len(candidates) == 0 {
			if len(s.Matcher.Match(derived, settled)) > 0 || s.alreadySettled(ctx, derived) {
				res.Resolved++
				continue
			}
			s.Log.Info().Msgf("%s ❌ SKIPPED: no active job for %q", logPrefix, derived.Company)
			res.Unmatched = append(res.Unmatched, unmatched(email, &derived))
			continue
		}
		refusable := candidates[:0:0]
		for _, j := range candidates {
			if models.IsTransitionAllowed(j.ApplicationStatus, models.StatusRefused) {
				refusable = append(refusable, j)
			}
		}
		if len(refusable) == 0 {
			// Every match is Closed; the listing already settled it.
			s.Log.Info().Msgf("%s ⏹️ no match for %q can move to Refused", logPrefix, derived.Company)
			res.Resolved++
			continue
		}
		target := MostRecent(refusable)

		// --- STEP 3: TRANSITION ---
		transition := models.StatusTransition{
			JobID:           target.JobID,
			OldStatus:       target.ApplicationStatus,
			NewStatus:       models.StatusRefused,
			Reason:          fmt.Sprintf("rejection e-mail matched on %s %q", derived.Source, derived.Company),
			EvidenceEmailID: email.MessageID,
		}
		err := withTx(ctx, s.Jobs, func(tx store.JobTx) error {
			return tx.SetStatus(ctx, transition.JobID, transition.NewStatus, transition.Reason)
		})
		if err != nil {
			s.Log.Error().Err(err).Msgf("%s ❌ status update failed", logPrefix)
			continue
		}
		s.Log.Info().Msgf("%s ⚡ %s: %s -> %s", logPrefix, target.JobID, transition.OldStatus, transition.NewStatus)
		res.Transitions = append(res.Transitions, transition)

		// The job is terminal now; later e-mails about it are resolved.
		target.ApplicationStatus = models.StatusRefused
		settled = append(settled, *target)
		active = without(active, target.JobID)

		if s.Notifier != nil {
			if err := s.Notifier.NotifyTransition(ctx, transition); err != nil {
				s.Log.Warn().Err(err).Msg("publish transition failed")
			}
		}
	}

	s.Log.Info().Int("transitions", len(res.Transitions)).Int("unmatched", len(res.Unmatched)).
		Msg("✅ reconcile finished")
	return res, nil
}

// alreadySettled reports whether the e-mail names a job that is already
// terminal, so it is not surfaced as unmatched on a repeat run.
func (s *ReconcileService) alreadySettled(ctx context.Context, d Derived) bool {
	for _, st := range models.TerminalStatuses() {
		status := st
		jobs, err := s.Jobs.ListJobs(ctx, store.JobFilter{Status: &status})
		if err != nil {
			s.Log.Warn().Err(err).Msg("list terminal jobs failed")
			return false
		}
		if len(s.Matcher.Match(d, jobs)) > 0 {
			return true
		}
	}
	return false
}

func unmatched(e models.Email, d *Derived) UnmatchedEmail {
	sender := e.SenderAddress
	if e.SenderDisplay != "" {
		sender = fmt.Sprintf("%s <%s>", e.SenderDisplay, e.SenderAddress)
	}
	return UnmatchedEmail{MessageID: e.MessageID, Subject: e.Subject, Sender: sender, Derived: d}
}

func without(jobs []models.Job, jobID string) []models.Job {
	out := jobs[:0:0]
	for _, j := range jobs {
		if j.JobID != jobID {
			out = append(out, j)
		}
	}
	return out
}

func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
