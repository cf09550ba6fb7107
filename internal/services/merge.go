package services

import (
	"context"
	"crypto/sha256"
	"slices"
	"time"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

// Incoming is everything the upstream told us about one job in this run:
// the listing row, the detail payload, or both.
type Incoming struct {
	JobID    string
	Title    string
	Location string
	URL      string
	Company  *voyager.CompanyRef

	AppliedOn         *time.Time
	PostedOn          *time.Time
	ExpireAt          *time.Time
	JobState          string
	ExperienceLevel   string
	EmploymentStatus  string
	EmploymentType    string
	WorkplaceType     string
	ApplicationClosed *bool
	Applicants        *int
	Description       string
	Status            models.Status
	Insights          []string
	EasyApply         bool
}

// FromSummary maps a listing row. The applied hint stands in for
// applied_on until the detail payload says otherwise.
func FromSummary(s voyager.JobSummary) Incoming {
	return Incoming{
		JobID:     s.JobID,
		Title:     s.Title,
		Location:  s.Location,
		URL:       s.URL,
		Company:   s.Company,
		AppliedOn: s.AppliedHint,
		PostedOn:  s.PostedOn,
		Status:    models.StatusFromInsights(s.Insights),
		Insights:  s.Insights,
		EasyApply: s.EasyApply,
	}
}

// FromDetail maps a detail payload on its own.
func FromDetail(d *voyager.Detail) Incoming {
	var in Incoming
	in.AddDetail(d)
	return in
}

// AddDetail layers detail fields over the listing ones.
func (in *Incoming) AddDetail(d *voyager.Detail) {
	if d == nil {
		return
	}
	if in.JobID == "" {
		in.JobID = d.JobID
	}
	if in.Title == "" {
		in.Title = d.Title
	}
	if d.AppliedAt != nil {
		in.AppliedOn = d.AppliedAt
	}
	if d.PostedOn != nil {
		in.PostedOn = d.PostedOn
	}
	in.ExpireAt = d.ExpireAt
	in.JobState = d.JobState
	in.ExperienceLevel = d.ExperienceLevel
	in.EmploymentStatus = d.EmploymentStatus
	in.EmploymentType = d.EmploymentType
	in.WorkplaceType = d.WorkplaceType
	in.ApplicationClosed = d.ApplicationClosed
	in.Applicants = d.Applicants
	in.Description = d.Description
}

// Merge compares a stored job with incoming values and returns the column
// updates to apply, in a stable order of changes.
//
//   - applied_on and posted_on are only filled when missing
//   - lifecycle strings and pointers overwrite when the incoming value is set
//   - description_full overwrites when the content differs, the new text is
//     real and the stored real text would not get shorter
//   - application_status never moves off a terminal status, and only along
//     an allowed transition
//   - company_ref is only linked when missing; the caller ensures the row
func Merge(cur *models.Job, in Incoming) (map[string]any, []models.FieldChange) {
	fields := make(map[string]any)
	var changes []models.FieldChange
	set := func(col string, old, new any) {
		fields[col] = new
		changes = append(changes, models.FieldChange{Field: col, Old: old, New: new})
	}

	if cur.AppliedOn == nil && in.AppliedOn != nil {
		set(models.ColAppliedOn, nil, *in.AppliedOn)
	}
	if cur.PostedOn == nil && in.PostedOn != nil {
		set(models.ColPostedOn, nil, *in.PostedOn)
	}

	strs := []struct {
		col      string
		cur, new string
	}{
		{models.ColJobState, cur.JobState, in.JobState},
		{models.ColExperienceLevel, cur.ExperienceLevel, in.ExperienceLevel},
		{models.ColEmploymentStatus, cur.EmploymentStatus, in.EmploymentStatus},
		{models.ColEmploymentType, cur.EmploymentType, in.EmploymentType},
		{models.ColWorkplaceType, cur.WorkplaceType, in.WorkplaceType},
	}
	for _, s := range strs {
		if s.new != "" && s.new != s.cur {
			set(s.col, s.cur, s.new)
		}
	}

	if in.ApplicationClosed != nil && (cur.ApplicationClosed == nil || *cur.ApplicationClosed != *in.ApplicationClosed) {
		set(models.ColApplicationClosed, deref(cur.ApplicationClosed), *in.ApplicationClosed)
	}
	if in.ExpireAt != nil && (cur.ExpireAt == nil || !cur.ExpireAt.Equal(*in.ExpireAt)) {
		set(models.ColExpireAt, deref(cur.ExpireAt), *in.ExpireAt)
	}
	if in.Applicants != nil && (cur.Applicants == nil || *cur.Applicants != *in.Applicants) {
		set(models.ColApplicants, deref(cur.Applicants), *in.Applicants)
	}

	if descriptionWins(cur.DescriptionFull, in.Description) {
		fields[models.ColDescriptionFull] = in.Description
		changes = append(changes, models.FieldChange{Field: models.ColDescriptionFull, Changed: true})
	}

	if in.Status != "" && in.Status != cur.ApplicationStatus &&
		!cur.ApplicationStatus.IsTerminal() && models.IsTransitionAllowed(cur.ApplicationStatus, in.Status) {
		set(models.ColApplicationStatus, cur.ApplicationStatus, in.Status)
	}

	if cur.CompanyRef == nil && in.Company != nil && in.Company.Ref != "" {
		set(models.ColCompanyRef, nil, in.Company.Ref)
	}

	if len(in.Insights) > 0 && !slices.Equal(cur.Insights, in.Insights) {
		set(models.ColInsights, cur.Insights, in.Insights)
	}
	if in.EasyApply && !cur.EasyApply {
		set(models.ColEasyApply, false, true)
	}
	return fields, changes
}

func descriptionWins(cur, incoming string) bool {
	if !models.IsRealDescription(incoming) {
		return false
	}
	if sha256.Sum256([]byte(cur)) == sha256.Sum256([]byte(incoming)) {
		return false
	}
	// Real text never shrinks.
	return !models.IsRealDescription(cur) || len(incoming) >= len(cur)
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// applyFields writes a merge result inside tx. Status moves go through
// SetStatus so they leave an audit row.
func applyFields(ctx context.Context, tx store.JobTx, jobID string, fields map[string]any, reason string) error {
	if st, ok := fields[models.ColApplicationStatus].(models.Status); ok {
		rest := make(map[string]any, len(fields)-1)
		for k, v := range fields {
			if k != models.ColApplicationStatus {
				rest[k] = v
			}
		}
		fields = rest
		if err := tx.SetStatus(ctx, jobID, st, reason); err != nil {
			return err
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return tx.Update(ctx, jobID, fields)
}
