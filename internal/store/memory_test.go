package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/store"
)

func ptr[T any](v T) *T { return &v }

func insert(t *testing.T, s *store.Memory, jobs ...models.Job) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := range jobs {
		if jobs[i].CompanyRef != nil {
			if _, err := tx.EnsureCompany(ctx, models.Company{Ref: *jobs[i].CompanyRef, Name: "Acme"}); err != nil {
				t.Fatal(err)
			}
		}
		if err := tx.Insert(ctx, &jobs[i]); err != nil {
			t.Fatalf("insert %s: %v", jobs[i].JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestMemory_CommitPublishesWrites(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	tx, _ := s.Begin(ctx)
	created, err := tx.EnsureCompany(ctx, models.Company{Ref: "c:1", Name: "Acme"})
	if err != nil || !created {
		t.Fatalf("EnsureCompany = %v, %v", created, err)
	}
	if err := tx.Insert(ctx, &models.Job{JobID: "1", Title: "Engineer", CompanyRef: ptr("c:1")}); err != nil {
		t.Fatal(err)
	}

	if j, _ := s.Get(ctx, "1"); j != nil {
		t.Fatal("uncommitted insert is visible outside the transaction")
	}
	if j, _ := tx.Get(ctx, "1"); j == nil {
		t.Fatal("transaction cannot read its own insert")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	j, _ := s.Get(ctx, "1")
	if j == nil || j.Company == nil || j.Company.Name != "Acme" {
		t.Fatalf("Get after commit = %+v", j)
	}
	if j.ApplicationStatus != models.StatusWaiting {
		t.Errorf("default status = %q, want Waiting", j.ApplicationStatus)
	}
}

func TestMemory_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	insert(t, s, models.Job{JobID: "1", Title: "Engineer"})

	tx, _ := s.Begin(ctx)
	if err := tx.Update(ctx, "1", map[string]any{models.ColTitle: "Changed"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	j, _ := s.Get(ctx, "1")
	if j.Title != "Engineer" {
		t.Errorf("title = %q after rollback", j.Title)
	}
	if err := tx.Commit(); err == nil {
		t.Error("commit after rollback should fail")
	}
}

func TestMemory_InsertRequiresCompany(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tx, _ := s.Begin(ctx)
	err := tx.Insert(ctx, &models.Job{JobID: "1", Title: "x", CompanyRef: ptr("c:missing")})
	if !errors.Is(err, store.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestMemory_EnsureCompanyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tx, _ := s.Begin(ctx)
	if created, _ := tx.EnsureCompany(ctx, models.Company{Ref: "c:1", Name: "Acme"}); !created {
		t.Fatal("first EnsureCompany should create")
	}
	if created, _ := tx.EnsureCompany(ctx, models.Company{Ref: "c:1", Name: "Acme", LogoURL: "https://logo"}); created {
		t.Fatal("second EnsureCompany should not create")
	}
	_ = tx.Commit()
	c, ok := s.Company("c:1")
	if !ok || c.LogoURL != "https://logo" {
		t.Errorf("company = %+v, want backfilled logo", c)
	}
}

func TestMemory_UpdateHookAndMissingRow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	insert(t, s, models.Job{JobID: "1", Title: "Engineer"})

	boom := errors.New("disk full")
	s.BeforeUpdate = func(jobID string, _ map[string]any) error {
		if jobID == "1" {
			return boom
		}
		return nil
	}
	tx, _ := s.Begin(ctx)
	if err := tx.Update(ctx, "1", map[string]any{models.ColTitle: "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want hook error", err)
	}
	if err := tx.Update(ctx, "2", map[string]any{models.ColTitle: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_SetStatusRecordsEvent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	insert(t, s, models.Job{JobID: "1", Title: "Engineer"})

	tx, _ := s.Begin(ctx)
	if err := tx.SetStatus(ctx, "1", models.StatusRefused, "rejection email"); err != nil {
		t.Fatal(err)
	}
	_ = tx.Commit()

	j, _ := s.Get(ctx, "1")
	if j.ApplicationStatus != models.StatusRefused {
		t.Errorf("status = %q", j.ApplicationStatus)
	}
	events := s.Events("1")
	if len(events) != 1 || events[0].EventType != "STATUS_CHANGE" {
		t.Errorf("events = %+v", events)
	}
}

func TestMemory_Selections(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	insert(t, s,
		models.Job{JobID: "fresh", Title: "a", HasApplied: true, AppliedOn: &feb, Processed: true,
			DescriptionFull: "Real text", PostedOn: &jan},
		models.Job{JobID: "placeholder", Title: "b", HasApplied: true, AppliedOn: &jan, Processed: true,
			DescriptionFull: models.PlaceholderDescription, PostedOn: &jan},
		models.Job{JobID: "unprocessed", Title: "c", HasApplied: true, AppliedOn: &feb, DescriptionFull: "Real"},
		models.Job{JobID: "refused", Title: "d", ApplicationStatus: models.StatusRefused},
		models.Job{JobID: "disabled", Title: "e", Disabled: true},
	)

	stale, _ := s.SelectStale(ctx, store.TimeRange{})
	if got := ids(stale); !equal(got, []string{"unprocessed", "placeholder", "refused"}) {
		t.Errorf("SelectStale = %v", got)
	}

	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	applied, _ := s.SelectApplied(ctx, store.TimeRange{From: &from})
	if got := ids(applied); !equal(got, []string{"fresh", "unprocessed"}) {
		t.Errorf("SelectApplied(from Feb) = %v", got)
	}

	active, _ := s.SelectActiveNonTerminal(ctx)
	for _, j := range active {
		if j.JobID == "refused" || j.JobID == "disabled" {
			t.Errorf("SelectActiveNonTerminal returned %s", j.JobID)
		}
	}
	if len(active) != 3 {
		t.Errorf("SelectActiveNonTerminal returned %d jobs, want 3", len(active))
	}
}

func TestMemory_EmailsAndCursor(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	t1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	batch := []models.Email{
		{MessageID: "m2", Category: models.CategoryRejection, ReceivedAt: t1.Add(time.Hour)},
		{MessageID: "m1", Folder: "Rejected", ReceivedAt: t1},
		{MessageID: "m3", Category: models.CategoryOther, ReceivedAt: t1},
	}
	if n, _ := s.Upsert(ctx, batch); n != 3 {
		t.Errorf("first Upsert added %d", n)
	}
	if n, _ := s.Upsert(ctx, batch[:1]); n != 0 {
		t.Errorf("repeat Upsert added %d", n)
	}
	rej, _ := s.SelectRejections(ctx)
	if len(rej) != 2 || rej[0].MessageID != "m1" || rej[1].MessageID != "m2" {
		t.Errorf("SelectRejections = %+v", rej)
	}

	if c, _ := s.Cursor(ctx, "me"); c != 0 {
		t.Errorf("initial cursor = %d", c)
	}
	_ = s.SaveCursor(ctx, "me", 42)
	if c, _ := s.Cursor(ctx, "me"); c != 42 {
		t.Errorf("cursor = %d", c)
	}
}

func TestMemory_Credentials(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	if _, err := s.Credential(ctx, "linkedin"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	cred := models.Credential{Name: "linkedin", CookieBundle: "li_at=x", CSRFToken: "ajax:1"}
	tmpl := models.RequestTemplate{Name: "linkedin", Raw: "curl ..."}
	if err := s.Put(ctx, cred, tmpl); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkNeedsRefresh(ctx, "linkedin"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Credential(ctx, "linkedin")
	if !got.NeedsRefresh || got.CSRFToken != "ajax:1" {
		t.Errorf("credential = %+v", got)
	}
	// A fresh capture clears the refresh flag.
	_ = s.Put(ctx, cred, tmpl)
	got, _ = s.Credential(ctx, "linkedin")
	if got.NeedsRefresh {
		t.Error("Put did not replace the credential")
	}
}

func TestTimeRange_Contains(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	r := store.TimeRange{From: &from, To: &to}
	if !r.Contains(from) || !r.Contains(to) {
		t.Error("bounds are inclusive")
	}
	if r.Contains(from.Add(-time.Second)) || r.Contains(to.Add(time.Second)) {
		t.Error("outside bounds reported as contained")
	}
	if !(store.TimeRange{}).Contains(time.Time{}) {
		t.Error("open range must contain everything")
	}
}

func ids(jobs []models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.JobID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
