package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/justsurfingit/applytrail/internal/capture"
	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
	"github.com/justsurfingit/applytrail/internal/stream"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

// Row classifications.
const (
	RowNew       = "new"
	RowUpdated   = "updated"
	RowUnchanged = "unchanged"
	RowFailed    = "failed"
)

// ReasonCutoff is reported when a backfill reached rows older than its
// cutoff.
const ReasonCutoff = "cutoff_reached"

// DetailFetcher is the enrichment client as the pipelines use it.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, listing *capture.Template, jobID string, rc capture.RequestContext) (*voyager.Detail, error)
}

// RowChange is the outcome for one listing row.
type RowChange struct {
	JobID   string               `json:"job_id"`
	Title   string               `json:"title"`
	Kind    string               `json:"kind"`
	Changes []models.FieldChange `json:"changes,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type SyncRequest struct {
	Name     string
	CardType voyager.CardType
	Pages    voyager.PageSpec
	// Cutoff, when set, halts the run at the first row applied before it.
	Cutoff *time.Time
}

type SyncResult struct {
	Inserted  int         `json:"inserted"`
	Updated   int         `json:"updated"`
	Unchanged int         `json:"unchanged"`
	Failed    int         `json:"failed"`
	Processed int         `json:"processed"`
	Pages     int         `json:"pages"`
	Reason    string      `json:"reason"`
	Changes   []RowChange `json:"changes"`
}

type SyncService struct {
	Jobs        store.JobStore
	Credentials *CredentialService
	Details     DetailFetcher
	Doer        voyager.Doer
	Pages       voyager.PaginatorOptions
	Log         zerolog.Logger
	Now         func() time.Time
}

func NewSyncService(jobs store.JobStore, creds *CredentialService, doer voyager.Doer, details DetailFetcher, pages voyager.PaginatorOptions, log zerolog.Logger) *SyncService {
	return &SyncService{
		Jobs:        jobs,
		Credentials: creds,
		Details:     details,
		Doer:        doer,
		Pages:       pages,
		Log:         log.With().Str("component", "sync").Logger(),
		Now:         time.Now,
	}
}

// Sync pages through the listing and merges every row into the job store.
// Each row is its own unit of work. A Blocked upstream aborts the run; the
// result still counts what was committed before it.
func (s *SyncService) Sync(ctx context.Context, req SyncRequest, sink stream.Sink) (*SyncResult, error) {
	if sink == nil {
		sink = stream.Discard
	}
	res := &SyncResult{Changes: []RowChange{}}

	// 1. Load the session
	tmpl, rc, err := s.Credentials.Session(ctx, req.Name)
	if err != nil {
		sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Session"})
		return res, err
	}
	if req.CardType != "" {
		if tmpl, err = req.CardType.Apply(tmpl); err != nil {
			sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Template"})
			return res, err
		}
	}

	s.Log.Info().Str("name", req.Name).Str("card_type", string(req.CardType)).Stringer("pages", req.Pages).
		Msg("🔄 sync starting")
	sink.Emit(stream.KindStart, stream.StartEvent{})

	// 2. Page through the listing, one row at a time
	pager := voyager.NewPaginator(s.Doer, s.Pages)
	pager.OnWait = func(next int, d time.Duration) {
		sink.Emit(stream.KindWait, stream.WaitEvent{
			Current: res.Processed,
			Total:   res.Processed,
			Message: fmt.Sprintf("Fetching page %d in %s", next+1, d.Round(100*time.Millisecond)),
		})
	}
	run, err := pager.Run(ctx, tmpl, rc, req.Pages, func(ctx context.Context, page voyager.Page) (bool, error) {
		for _, summary := range page.Fresh {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			change, halt, err := s.syncRow(ctx, tmpl, rc, summary, req.Cutoff)
			if errors.Is(err, voyager.ErrBlocked) {
				return true, err
			}
			res.Processed++
			if halt {
				res.Reason = ReasonCutoff
				return true, nil
			}
			s.count(res, change)
			sink.Emit(stream.KindProgress, stream.ProgressEvent{
				Current:  res.Processed,
				Total:    res.Processed,
				JobID:    summary.JobID,
				JobTitle: summary.Title,
				Company:  companyName(summary.Company),
				Status:   progressStatus(change.Kind),
				Changes:  change.Changes,
			})
			if err != nil {
				sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Store", JobID: summary.JobID})
			}
		}
		return false, nil
	})
	res.Pages = run.Pages
	if res.Reason == "" {
		res.Reason = run.Reason
	}

	// 3. Report
	switch {
	case errors.Is(err, voyager.ErrBlocked):
		res.Reason = voyager.ReasonBlocked
		s.Credentials.MarkBlocked(ctx, req.Name)
		sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: "Blocked"})
		return res, err
	case errors.Is(err, context.Canceled):
		res.Reason = voyager.ReasonCancelled
		err = nil
	case err != nil:
		sink.Emit(stream.KindError, stream.ErrorEvent{Message: err.Error(), Kind: errorKind(err)})
		return res, err
	}

	s.Log.Info().Int("inserted", res.Inserted).Int("updated", res.Updated).Int("unchanged", res.Unchanged).
		Int("failed", res.Failed).Int("pages", res.Pages).Str("reason", res.Reason).Msg("✅ sync finished")
	sink.Emit(stream.KindComplete, stream.CompleteEvent{
		Message:   fmt.Sprintf("Synced %d jobs from %d pages", res.Processed, res.Pages),
		Reason:    res.Reason,
		Processed: res.Processed,
		Inserted:  res.Inserted,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
		Failed:    res.Failed,
	})
	return res, nil
}

func (s *SyncService) count(res *SyncResult, c RowChange) {
	switch c.Kind {
	case RowNew:
		res.Inserted++
	case RowUpdated:
		res.Updated++
	case RowUnchanged:
		res.Unchanged++
	case RowFailed:
		res.Failed++
	}
	if c.Kind != "" {
		res.Changes = append(res.Changes, c)
	}
}

// syncRow classifies and persists one listing row. halt reports that the
// row is older than cutoff; it is then left uncommitted.
func (s *SyncService) syncRow(ctx context.Context, tmpl *capture.Template, rc capture.RequestContext, summary voyager.JobSummary, cutoff *time.Time) (RowChange, bool, error) {
	change := RowChange{JobID: summary.JobID, Title: summary.Title}
	log := s.Log.With().Str("job_id", summary.JobID).Logger()

	existing, err := s.Jobs.Get(ctx, summary.JobID)
	if err != nil {
		change.Kind, change.Error = RowFailed, err.Error()
		return change, false, err
	}
	in := FromSummary(summary)

	if existing == nil {
		return s.insertRow(ctx, tmpl, rc, in, cutoff, log)
	}

	// Existing row: merge the listing values only.
	fields, diffs := Merge(existing, in)
	applied := existing.AppliedOn
	if v, ok := fields[models.ColAppliedOn].(time.Time); ok {
		applied = &v
	}
	if before(applied, cutoff) {
		log.Info().Msg("⏹️ reached cutoff on an existing row")
		return RowChange{}, true, nil
	}
	if len(fields) == 0 {
		change.Kind = RowUnchanged
		return change, false, nil
	}
	if _, ok := fields[models.ColDescriptionFull]; ok {
		fields[models.ColProcessed] = false
	}

	err = s.inTx(ctx, func(tx store.JobTx) error {
		if _, ok := fields[models.ColCompanyRef]; ok {
			if _, err := tx.EnsureCompany(ctx, companyRow(in.Company)); err != nil {
				return err
			}
		}
		return applyFields(ctx, tx, existing.JobID, fields, "listing insight")
	})
	if err != nil {
		log.Error().Err(err).Msg("❌ update failed")
		change.Kind, change.Error = RowFailed, err.Error()
		return change, false, err
	}
	change.Kind, change.Changes = RowUpdated, diffs
	return change, false, nil
}

func (s *SyncService) insertRow(ctx context.Context, tmpl *capture.Template, rc capture.RequestContext, in Incoming, cutoff *time.Time, log zerolog.Logger) (RowChange, bool, error) {
	change := RowChange{JobID: in.JobID, Title: in.Title}

	// 1. Enrich synchronously; anything but Blocked leaves the defaults.
	detail, err := s.Details.FetchDetail(ctx, tmpl, in.JobID, rc)
	switch {
	case errors.Is(err, voyager.ErrBlocked):
		return change, false, err
	case errors.Is(err, voyager.ErrEnrichmentMiss):
		log.Warn().Msg("⚠️ no description in detail payload")
		in.AddDetail(detail)
	case err != nil:
		log.Warn().Err(err).Msg("⚠️ enrichment failed, keeping defaults")
	default:
		in.AddDetail(detail)
	}

	// 2. Every applied job carries an applied_on.
	appliedOn := s.Now()
	if in.AppliedOn != nil {
		appliedOn = *in.AppliedOn
	}
	if before(&appliedOn, cutoff) {
		log.Info().Time("applied_on", appliedOn).Msg("⏹️ reached cutoff")
		return RowChange{}, true, nil
	}

	job := &models.Job{
		JobID:             in.JobID,
		Title:             in.Title,
		Location:          in.Location,
		URL:               in.URL,
		WorkplaceType:     in.WorkplaceType,
		EmploymentType:    in.EmploymentType,
		EmploymentStatus:  in.EmploymentStatus,
		ExperienceLevel:   in.ExperienceLevel,
		PostedOn:          in.PostedOn,
		DescriptionFull:   models.PlaceholderDescription,
		Applicants:        in.Applicants,
		ApplicationStatus: models.StatusWaiting,
		HasApplied:        true,
		AppliedOn:         &appliedOn,
		ExpireAt:          in.ExpireAt,
		JobState:          in.JobState,
		ApplicationClosed: in.ApplicationClosed,
		EasyApply:         in.EasyApply,
		Insights:          in.Insights,
	}
	if models.IsRealDescription(in.Description) {
		job.DescriptionFull = in.Description
	}
	if in.Status != "" && models.IsTransitionAllowed(models.StatusWaiting, in.Status) {
		job.ApplicationStatus = in.Status
	}
	if in.Company != nil && in.Company.Ref != "" {
		ref := in.Company.Ref
		job.CompanyRef = &ref
	}

	// 3. Company before job. A missing parent aborts the unit of work on
	// postgres, so the retry runs in a fresh one.
	insert := func(tx store.JobTx) error {
		if job.CompanyRef != nil {
			if _, err := tx.EnsureCompany(ctx, companyRow(in.Company)); err != nil {
				return err
			}
		}
		return tx.Insert(ctx, job)
	}
	err = s.inTx(ctx, insert)
	if errors.Is(err, store.ErrIntegrity) && in.Company != nil {
		log.Warn().Err(err).Msg("company row missing, creating it and retrying")
		err = s.inTx(ctx, insert)
	}
	if err != nil {
		log.Error().Err(err).Msg("❌ insert failed")
		change.Kind, change.Error = RowFailed, err.Error()
		return change, false, err
	}
	log.Info().Str("title", job.Title).Msg("🆕 job inserted")
	change.Kind = RowNew
	return change, false, nil
}

// inTx runs fn in a fresh unit of work, committing on success.
func (s *SyncService) inTx(ctx context.Context, fn func(tx store.JobTx) error) error {
	return withTx(ctx, s.Jobs, fn)
}

func withTx(ctx context.Context, jobs store.JobStore, fn func(tx store.JobTx) error) error {
	tx, err := jobs.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func before(t, cutoff *time.Time) bool {
	return t != nil && cutoff != nil && t.Before(*cutoff)
}

func companyRow(c *voyager.CompanyRef) models.Company {
	return models.Company{Ref: c.Ref, Name: c.Name, LogoURL: c.LogoURL, URL: c.URL}
}

func companyName(c *voyager.CompanyRef) string {
	if c == nil {
		return ""
	}
	return c.Name
}

func progressStatus(kind string) string {
	if kind == RowFailed {
		return stream.StatusFailed
	}
	return stream.StatusSuccess
}

// errorKind names an error for the event stream.
func errorKind(err error) string {
	var perr *capture.ParseError
	switch {
	case errors.Is(err, voyager.ErrBlocked):
		return "Blocked"
	case errors.Is(err, voyager.ErrTransient):
		return "Transient"
	case errors.Is(err, voyager.ErrEnrichmentMiss):
		return "EnrichmentMiss"
	case errors.Is(err, store.ErrIntegrity):
		return "IntegrityViolation"
	case errors.As(err, &perr):
		return "ParseError"
	case errors.Is(err, ErrNoSession):
		return "Session"
	}
	return "Error"
}
