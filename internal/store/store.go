// Package store holds the persistence contracts of the pipeline and their
// gorm (postgres) and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/justsurfingit/applytrail/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrIntegrity is a foreign key violation, typically a job inserted
	// before its company.
	ErrIntegrity = errors.New("integrity violation")
)

// TimeRange bounds jobs by applied_on, falling back to created_at for rows
// that have no application date yet. Nil ends are open.
type TimeRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// JobFilter narrows dashboard listings.
type JobFilter struct {
	Status *models.Status
	Range  TimeRange
	Limit  int
}

// JobTx is one unit of work against the job store. Every mutation goes
// through a JobTx and becomes visible to others on Commit.
type JobTx interface {
	Get(ctx context.Context, jobID string) (*models.Job, error)
	GetMany(ctx context.Context, jobIDs []string) (map[string]*models.Job, error)
	Insert(ctx context.Context, job *models.Job) error
	Update(ctx context.Context, jobID string, fields map[string]any) error
	EnsureCompany(ctx context.Context, company models.Company) (created bool, err error)
	SetStatus(ctx context.Context, jobID string, status models.Status, reason string) error
	Commit() error
	Rollback() error
}

// JobStore owns Job and Company rows.
type JobStore interface {
	Begin(ctx context.Context) (JobTx, error)

	Get(ctx context.Context, jobID string) (*models.Job, error)
	GetMany(ctx context.Context, jobIDs []string) (map[string]*models.Job, error)
	SelectApplied(ctx context.Context, r TimeRange) ([]models.Job, error)
	// SelectStale returns jobs whose description is missing or the
	// placeholder, that are not processed, or that have no posted date.
	SelectStale(ctx context.Context, r TimeRange) ([]models.Job, error)
	SelectActiveNonTerminal(ctx context.Context) ([]models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
}

// EmailStore owns Email rows and the mailbox sync cursor.
type EmailStore interface {
	SelectRejections(ctx context.Context) ([]models.Email, error)
	// Upsert stores new emails and returns how many were not seen before.
	Upsert(ctx context.Context, emails []models.Email) (int, error)
	Exists(ctx context.Context, messageID string) (bool, error)
	Cursor(ctx context.Context, mailbox string) (uint64, error)
	SaveCursor(ctx context.Context, mailbox string, historyID uint64) error
}

// CredentialStore keeps the latest session material and its template.
type CredentialStore interface {
	// Put atomically replaces the credential and its template.
	Put(ctx context.Context, cred models.Credential, tmpl models.RequestTemplate) error
	Credential(ctx context.Context, name string) (*models.Credential, error)
	Template(ctx context.Context, name string) (*models.RequestTemplate, error)
	MarkNeedsRefresh(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// isStale is the staleness rule shared by both implementations.
func isStale(j *models.Job) bool {
	return !j.HasRealDescription() || !j.Processed || j.PostedOn == nil
}

// anchor is the timestamp TimeRange filters on.
func anchor(j *models.Job) time.Time {
	if j.AppliedOn != nil {
		return *j.AppliedOn
	}
	return j.CreatedAt
}
