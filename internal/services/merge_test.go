package services_test

import (
	"testing"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

func TestMerge_FillsOnlyMissingDates(t *testing.T) {
	stored := fixedNow.AddDate(0, 0, -5)
	cur := &models.Job{JobID: "1", AppliedOn: &stored}
	in := services.Incoming{AppliedOn: ptr(fixedNow), PostedOn: ptr(fixedNow.AddDate(0, 0, -9))}

	fields, _ := services.Merge(cur, in)
	if _, ok := fields[models.ColAppliedOn]; ok {
		t.Error("applied_on overwritten")
	}
	if _, ok := fields[models.ColPostedOn]; !ok {
		t.Error("missing posted_on not filled")
	}
}

func TestMerge_Description(t *testing.T) {
	tests := []struct {
		name     string
		cur, in  string
		replaced bool
	}{
		{"placeholder replaced", models.PlaceholderDescription, "Short.", true},
		{"empty replaced", "", "Short.", true},
		{"longer replaces real", "Short.", longDescription, true},
		{"shorter keeps real", longDescription, "Short.", false},
		{"same text untouched", longDescription, longDescription, false},
		{"placeholder never written", longDescription, models.PlaceholderDescription, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, changes := services.Merge(&models.Job{DescriptionFull: tt.cur}, services.Incoming{Description: tt.in})
			_, ok := fields[models.ColDescriptionFull]
			if ok != tt.replaced {
				t.Fatalf("replaced = %v, want %v", ok, tt.replaced)
			}
			if ok && (len(changes) != 1 || !changes[0].Changed || changes[0].New != nil) {
				t.Errorf("description change should carry a flag, not the text: %+v", changes)
			}
		})
	}
}

func TestMerge_Status(t *testing.T) {
	tests := []struct {
		name string
		cur  models.Status
		in   models.Status
		want models.Status // "" means unchanged
	}{
		{"waiting to reviewing", models.StatusWaiting, models.StatusReviewing, models.StatusReviewing},
		{"waiting to closed", models.StatusWaiting, models.StatusClosed, models.StatusClosed},
		{"terminal kept", models.StatusRefused, models.StatusReviewing, ""},
		{"closed is not auto refused", models.StatusClosed, models.StatusRefused, ""},
		{"reviewing back to waiting", models.StatusReviewing, models.StatusWaiting, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, _ := services.Merge(&models.Job{ApplicationStatus: tt.cur}, services.Incoming{Status: tt.in})
			got, _ := fields[models.ColApplicationStatus].(models.Status)
			if got != tt.want {
				t.Errorf("status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMerge_CompanyLinkedOnce(t *testing.T) {
	in := services.Incoming{Company: &voyager.CompanyRef{Ref: "c:2", Name: "Other"}}

	fields, _ := services.Merge(&models.Job{}, in)
	if fields[models.ColCompanyRef] != "c:2" {
		t.Errorf("company_ref = %v", fields[models.ColCompanyRef])
	}
	fields, _ = services.Merge(&models.Job{CompanyRef: ptr("c:1")}, in)
	if _, ok := fields[models.ColCompanyRef]; ok {
		t.Error("existing company relinked")
	}
}

func TestMerge_LifecycleOverwrites(t *testing.T) {
	cur := &models.Job{JobState: "LISTED", Applicants: ptr(10), EasyApply: true}
	in := services.Incoming{JobState: "CLOSED", Applicants: ptr(10), ApplicationClosed: ptr(true)}

	fields, changes := services.Merge(cur, in)
	if fields[models.ColJobState] != "CLOSED" || fields[models.ColApplicationClosed] != true {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := fields[models.ColApplicants]; ok {
		t.Error("equal applicants reported as change")
	}
	if _, ok := fields[models.ColEasyApply]; ok {
		t.Error("easy_apply should never be cleared")
	}
	if len(changes) != 2 {
		t.Errorf("changes = %+v", changes)
	}
}

func TestFromSummary(t *testing.T) {
	in := services.FromSummary(voyager.JobSummary{
		JobID:       "1",
		Insights:    []string{"Application viewed"},
		AppliedHint: ptr(fixedNow),
	})
	if in.Status != models.StatusReviewing || in.AppliedOn == nil {
		t.Errorf("incoming = %+v", in)
	}
}
