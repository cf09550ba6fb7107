package models

import (
	"fmt"
	"time"
)

// Job column names used in partial updates.
const (
	ColTitle             = "title"
	ColLocation          = "location"
	ColURL               = "url"
	ColCompanyRef        = "company_ref"
	ColWorkplaceType     = "workplace_type"
	ColEmploymentType    = "employment_type"
	ColEmploymentStatus  = "employment_status"
	ColExperienceLevel   = "experience_level"
	ColPostedOn          = "posted_on"
	ColDescriptionFull   = "description_full"
	ColApplicants        = "applicants"
	ColApplicationStatus = "application_status"
	ColHasApplied        = "has_applied"
	ColAppliedOn         = "applied_on"
	ColExpireAt          = "expire_at"
	ColJobState          = "job_state"
	ColApplicationClosed = "application_closed"
	ColProcessed         = "processed"
	ColDisabled          = "disabled"
	ColEasyApply         = "easy_apply"
	ColInsights          = "insights"
	ColKeywords          = "keywords"
	ColResponsibilities  = "responsibilities"
	ColQualifications    = "qualifications"
)

// ApplyFields writes a partial update onto job. Values use the Go types of
// the corresponding Job fields without pointers: time.Time, int, bool,
// string, Status and []string.
func ApplyFields(job *Job, fields map[string]any) error {
	for col, v := range fields {
		var ok bool
		switch col {
		case ColTitle:
			job.Title, ok = v.(string)
		case ColLocation:
			job.Location, ok = v.(string)
		case ColURL:
			job.URL, ok = v.(string)
		case ColCompanyRef:
			var ref string
			if ref, ok = v.(string); ok {
				job.CompanyRef = &ref
			}
		case ColWorkplaceType:
			job.WorkplaceType, ok = v.(string)
		case ColEmploymentType:
			job.EmploymentType, ok = v.(string)
		case ColEmploymentStatus:
			job.EmploymentStatus, ok = v.(string)
		case ColExperienceLevel:
			job.ExperienceLevel, ok = v.(string)
		case ColPostedOn:
			job.PostedOn, ok = timePtr(v)
		case ColDescriptionFull:
			job.DescriptionFull, ok = v.(string)
		case ColApplicants:
			var n int
			if n, ok = v.(int); ok {
				job.Applicants = &n
			}
		case ColApplicationStatus:
			job.ApplicationStatus, ok = v.(Status)
		case ColHasApplied:
			job.HasApplied, ok = v.(bool)
		case ColAppliedOn:
			job.AppliedOn, ok = timePtr(v)
		case ColExpireAt:
			job.ExpireAt, ok = timePtr(v)
		case ColJobState:
			job.JobState, ok = v.(string)
		case ColApplicationClosed:
			var b bool
			if b, ok = v.(bool); ok {
				job.ApplicationClosed = &b
			}
		case ColProcessed:
			job.Processed, ok = v.(bool)
		case ColDisabled:
			job.Disabled, ok = v.(bool)
		case ColEasyApply:
			job.EasyApply, ok = v.(bool)
		case ColInsights:
			job.Insights, ok = v.([]string)
		case ColKeywords:
			job.Keywords, ok = v.([]string)
		case ColResponsibilities:
			job.Responsibilities, ok = v.([]string)
		case ColQualifications:
			job.Qualifications, ok = v.([]string)
		default:
			return fmt.Errorf("unknown job column %q", col)
		}
		if !ok {
			return fmt.Errorf("column %q: unexpected value type %T", col, v)
		}
	}
	return nil
}

func timePtr(v any) (*time.Time, bool) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, false
	}
	return &t, true
}

// FieldChange is one tracked-field difference produced by a merge.
// Descriptions are reported as Changed only, never with their text.
type FieldChange struct {
	Field   string `json:"field"`
	Old     any    `json:"old,omitempty"`
	New     any    `json:"new,omitempty"`
	Changed bool   `json:"changed,omitempty"`
}
