package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/justsurfingit/applytrail/internal/models"
)

// Memory is an in-process store used by tests and the dry-run mode.
// Transactions stage their writes and publish them on Commit.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	companies map[string]models.Company
	events    []models.JobEvent
	emails    map[string]models.Email
	cursors   map[string]uint64
	creds     map[string]models.Credential
	templates map[string]models.RequestTemplate

	Now func() time.Time

	// BeforeUpdate, when set, runs ahead of every JobTx.Update and aborts
	// the update with its error.
	BeforeUpdate func(jobID string, fields map[string]any) error
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*models.Job),
		companies: make(map[string]models.Company),
		emails:    make(map[string]models.Email),
		cursors:   make(map[string]uint64),
		creds:     make(map[string]models.Credential),
		templates: make(map[string]models.RequestTemplate),
		Now:       time.Now,
	}
}

// cloneJob copies j. ApplyFields replaces pointer and slice fields rather
// than writing through them, so a shallow copy is enough.
func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Company = nil
	return &c
}

// withCompany returns a copy of j with its company attached, the way a
// Preload would. Callers hold m.mu.
func (m *Memory) withCompany(j *models.Job) *models.Job {
	c := cloneJob(j)
	if c.CompanyRef != nil {
		if company, ok := m.companies[*c.CompanyRef]; ok {
			c.Company = &company
		}
	}
	return c
}

// Events returns the audit rows recorded for jobID.
func (m *Memory) Events(jobID string) []models.JobEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.JobEvent
	for _, e := range m.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// Company returns a stored company by ref.
func (m *Memory) Company(ref string) (models.Company, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[ref]
	return c, ok
}

// --- JobStore ---

func (m *Memory) Begin(_ context.Context) (JobTx, error) {
	return &memTx{
		m:         m,
		jobs:      make(map[string]*models.Job),
		companies: make(map[string]models.Company),
	}, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return m.withCompany(j), nil
}

func (m *Memory) GetMany(_ context.Context, jobIDs []string) (map[string]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Job, len(jobIDs))
	for _, id := range jobIDs {
		if j, ok := m.jobs[id]; ok {
			out[id] = m.withCompany(j)
		}
	}
	return out, nil
}

func (m *Memory) selectJobs(keep func(*models.Job) bool) []models.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, *m.withCompany(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		x, y := out[a].AppliedOn, out[b].AppliedOn
		switch {
		case x != nil && y != nil && !x.Equal(*y):
			return x.After(*y)
		case x != nil && y == nil:
			return true
		case x == nil && y != nil:
			return false
		}
		return out[a].JobID < out[b].JobID
	})
	return out
}

func (m *Memory) SelectApplied(_ context.Context, r TimeRange) ([]models.Job, error) {
	return m.selectJobs(func(j *models.Job) bool {
		return j.HasApplied && r.Contains(anchor(j))
	}), nil
}

func (m *Memory) SelectStale(_ context.Context, r TimeRange) ([]models.Job, error) {
	return m.selectJobs(func(j *models.Job) bool {
		return !j.Disabled && isStale(j) && r.Contains(anchor(j))
	}), nil
}

func (m *Memory) SelectActiveNonTerminal(_ context.Context) ([]models.Job, error) {
	return m.selectJobs(func(j *models.Job) bool {
		return !j.Disabled && !j.ApplicationStatus.IsTerminal()
	}), nil
}

func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]models.Job, error) {
	jobs := m.selectJobs(func(j *models.Job) bool {
		if f.Status != nil && j.ApplicationStatus != *f.Status {
			return false
		}
		return f.Range.Contains(anchor(j))
	})
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

type memTx struct {
	m         *Memory
	jobs      map[string]*models.Job
	companies map[string]models.Company
	events    []models.JobEvent
	done      bool
}

func (t *memTx) lookup(jobID string) (*models.Job, bool) {
	if j, ok := t.jobs[jobID]; ok {
		return j, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	j, ok := t.m.jobs[jobID]
	return j, ok
}

func (t *memTx) hasCompany(ref string) bool {
	if _, ok := t.companies[ref]; ok {
		return true
	}
	_, ok := t.m.Company(ref)
	return ok
}

func (t *memTx) checkOpen() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	return nil
}

func (t *memTx) Get(_ context.Context, jobID string) (*models.Job, error) {
	j, ok := t.lookup(jobID)
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (t *memTx) GetMany(ctx context.Context, jobIDs []string) (map[string]*models.Job, error) {
	out := make(map[string]*models.Job, len(jobIDs))
	for _, id := range jobIDs {
		if j, _ := t.Get(ctx, id); j != nil {
			out[id] = j
		}
	}
	return out, nil
}

func (t *memTx) Insert(_ context.Context, job *models.Job) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, exists := t.lookup(job.JobID); exists {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	if job.CompanyRef != nil && !t.hasCompany(*job.CompanyRef) {
		return fmt.Errorf("%w: job %s references unknown company %s", ErrIntegrity, job.JobID, *job.CompanyRef)
	}
	now := t.m.Now()
	stored := cloneJob(job)
	stored.CreatedAt, stored.UpdatedAt = now, now
	if stored.ApplicationStatus == "" {
		stored.ApplicationStatus = models.StatusWaiting
	}
	t.jobs[job.JobID] = stored
	return nil
}

func (t *memTx) Update(_ context.Context, jobID string, fields map[string]any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.m.BeforeUpdate != nil {
		if err := t.m.BeforeUpdate(jobID, fields); err != nil {
			return err
		}
	}
	current, ok := t.lookup(jobID)
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	next := cloneJob(current)
	if err := models.ApplyFields(next, fields); err != nil {
		return err
	}
	if ref, changed := fields[models.ColCompanyRef].(string); changed && !t.hasCompany(ref) {
		return fmt.Errorf("%w: job %s references unknown company %s", ErrIntegrity, jobID, ref)
	}
	next.UpdatedAt = t.m.Now()
	t.jobs[jobID] = next
	return nil
}

func (t *memTx) EnsureCompany(_ context.Context, c models.Company) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	existing, ok := t.companies[c.Ref]
	if !ok {
		existing, ok = t.m.Company(c.Ref)
	}
	if ok {
		if existing.LogoURL == "" && c.LogoURL != "" {
			existing.LogoURL = c.LogoURL
			t.companies[c.Ref] = existing
		}
		return false, nil
	}
	now := t.m.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Jobs = nil
	t.companies[c.Ref] = c
	return true, nil
}

func (t *memTx) SetStatus(_ context.Context, jobID string, status models.Status, reason string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	current, ok := t.lookup(jobID)
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	next := cloneJob(current)
	next.ApplicationStatus = status
	next.UpdatedAt = t.m.Now()
	t.jobs[jobID] = next
	t.events = append(t.events, models.JobEvent{
		CreatedAt: next.UpdatedAt,
		JobID:     jobID,
		EventType: "STATUS_CHANGE",
		Details:   fmt.Sprintf("Status changed to %s. Reason: %s", status, reason),
	})
	return nil
}

func (t *memTx) Commit() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.done = true
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for ref, c := range t.companies {
		t.m.companies[ref] = c
	}
	for id, j := range t.jobs {
		t.m.jobs[id] = j
	}
	for _, e := range t.events {
		e.ID = uint(len(t.m.events) + 1)
		t.m.events = append(t.m.events, e)
	}
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.jobs, t.companies, t.events = nil, nil, nil
	return nil
}

// --- EmailStore ---

func (m *Memory) SelectRejections(_ context.Context) ([]models.Email, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Email
	for _, e := range m.emails {
		if e.Category == models.CategoryRejection || strings.Contains(strings.ToLower(e.Folder), "reject") {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].ReceivedAt.Equal(out[b].ReceivedAt) {
			return out[a].ReceivedAt.Before(out[b].ReceivedAt)
		}
		return out[a].MessageID < out[b].MessageID
	})
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, emails []models.Email) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, e := range emails {
		if _, ok := m.emails[e.MessageID]; ok {
			continue
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.Now()
		}
		m.emails[e.MessageID] = e
		added++
	}
	return added, nil
}

func (m *Memory) Exists(_ context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.emails[messageID]
	return ok, nil
}

func (m *Memory) Cursor(_ context.Context, mailbox string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[mailbox], nil
}

func (m *Memory) SaveCursor(_ context.Context, mailbox string, historyID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[mailbox] = historyID
	return nil
}

// --- CredentialStore ---

func (m *Memory) Put(_ context.Context, cred models.Credential, tmpl models.RequestTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	cred.UpdatedAt, tmpl.UpdatedAt = now, now
	m.creds[cred.Name] = cred
	m.templates[tmpl.Name] = tmpl
	return nil
}

func (m *Memory) Credential(_ context.Context, name string) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) Template(_ context.Context, name string) (*models.RequestTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) MarkNeedsRefresh(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[name]
	if !ok {
		return ErrNotFound
	}
	c.NeedsRefresh = true
	m.creds[name] = c
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, name)
	delete(m.templates, name)
	return nil
}

var (
	_ JobStore        = (*Memory)(nil)
	_ EmailStore      = (*Memory)(nil)
	_ CredentialStore = (*Memory)(nil)
	_ JobStore        = (*Gorm)(nil)
	_ EmailStore      = (*Gorm)(nil)
	_ CredentialStore = (*Gorm)(nil)
)
