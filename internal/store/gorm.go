package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/justsurfingit/applytrail/internal/models"
)

const pgForeignKeyViolation = "23503"

// Gorm implements JobStore, EmailStore and CredentialStore on postgres.
type Gorm struct {
	DB *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{DB: db}
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s (%s)", ErrIntegrity, pgErr.Message, pgErr.ConstraintName)
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func withRange(q *gorm.DB, r TimeRange) *gorm.DB {
	if r.From != nil {
		q = q.Where("COALESCE(applied_on, created_at) >= ?", *r.From)
	}
	if r.To != nil {
		q = q.Where("COALESCE(applied_on, created_at) <= ?", *r.To)
	}
	return q
}

func getJob(db *gorm.DB, jobID string) (*models.Job, error) {
	var job models.Job
	err := db.Preload("Company").Where("job_id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func getJobs(db *gorm.DB, jobIDs []string) (map[string]*models.Job, error) {
	out := make(map[string]*models.Job, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	var jobs []models.Job
	if err := db.Preload("Company").Where("job_id IN ?", jobIDs).Find(&jobs).Error; err != nil {
		return nil, err
	}
	for i := range jobs {
		out[jobs[i].JobID] = &jobs[i]
	}
	return out, nil
}

// --- JobStore ---

func (s *Gorm) Begin(ctx context.Context) (JobTx, error) {
	tx := s.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormTx{tx: tx}, nil
}

func (s *Gorm) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return getJob(s.DB.WithContext(ctx), jobID)
}

func (s *Gorm) GetMany(ctx context.Context, jobIDs []string) (map[string]*models.Job, error) {
	return getJobs(s.DB.WithContext(ctx), jobIDs)
}

func (s *Gorm) SelectApplied(ctx context.Context, r TimeRange) ([]models.Job, error) {
	var jobs []models.Job
	q := withRange(s.DB.WithContext(ctx).Preload("Company").Where("has_applied = ?", true), r)
	err := q.Order("applied_on DESC NULLS LAST").Find(&jobs).Error
	return jobs, err
}

func (s *Gorm) SelectStale(ctx context.Context, r TimeRange) ([]models.Job, error) {
	var jobs []models.Job
	q := s.DB.WithContext(ctx).Preload("Company").
		Where("disabled = ?", false).
		Where("(description_full = '' OR description_full = ? OR processed = ? OR posted_on IS NULL)",
			models.PlaceholderDescription, false)
	err := withRange(q, r).Order("applied_on DESC NULLS LAST").Find(&jobs).Error
	return jobs, err
}

func (s *Gorm) SelectActiveNonTerminal(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	err := s.DB.WithContext(ctx).Preload("Company").
		Where("disabled = ?", false).
		Where("application_status NOT IN ?", models.TerminalStatuses()).
		Order("applied_on DESC NULLS LAST").
		Find(&jobs).Error
	return jobs, err
}

func (s *Gorm) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var jobs []models.Job
	q := s.DB.WithContext(ctx).Preload("Company")
	if f.Status != nil {
		q = q.Where("application_status = ?", *f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	err := withRange(q, f.Range).Order("applied_on DESC NULLS LAST").Find(&jobs).Error
	return jobs, err
}

type gormTx struct {
	tx *gorm.DB
}

func (t *gormTx) Get(_ context.Context, jobID string) (*models.Job, error) {
	return getJob(t.tx, jobID)
}

func (t *gormTx) GetMany(_ context.Context, jobIDs []string) (map[string]*models.Job, error) {
	return getJobs(t.tx, jobIDs)
}

func (t *gormTx) Insert(_ context.Context, job *models.Job) error {
	return classify(t.tx.Omit(clause.Associations).Create(job).Error)
}

func (t *gormTx) Update(_ context.Context, jobID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for col, v := range fields {
		switch val := v.(type) {
		case []string:
			// map updates bypass the json serializer of the column.
			b, err := json.Marshal(val)
			if err != nil {
				return err
			}
			values[col] = string(b)
		case models.Status:
			values[col] = string(val)
		default:
			values[col] = v
		}
	}
	res := t.tx.Model(&models.Job{}).Where("job_id = ?", jobID).Updates(values)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

func (t *gormTx) EnsureCompany(_ context.Context, c models.Company) (bool, error) {
	res := t.tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&c)
	if res.Error != nil {
		return false, classify(res.Error)
	}
	if res.RowsAffected == 0 && c.LogoURL != "" {
		// Backfill a logo the first sighting did not carry.
		err := t.tx.Model(&models.Company{}).
			Where("ref = ? AND logo_url = ''", c.Ref).
			Update("logo_url", c.LogoURL).Error
		if err != nil {
			return false, err
		}
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) SetStatus(_ context.Context, jobID string, status models.Status, reason string) error {
	res := t.tx.Model(&models.Job{}).Where("job_id = ?", jobID).Update("application_status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	event := models.JobEvent{
		JobID:     jobID,
		EventType: "STATUS_CHANGE",
		Details:   fmt.Sprintf("Status changed to %s. Reason: %s", status, reason),
	}
	return t.tx.Create(&event).Error
}

func (t *gormTx) Commit() error   { return t.tx.Commit().Error }
func (t *gormTx) Rollback() error { return t.tx.Rollback().Error }

// --- EmailStore ---

func (s *Gorm) SelectRejections(ctx context.Context) ([]models.Email, error) {
	var emails []models.Email
	err := s.DB.WithContext(ctx).
		Where("category = ? OR LOWER(folder) LIKE ?", models.CategoryRejection, "%reject%").
		Order("received_at ASC").
		Find(&emails).Error
	return emails, err
}

func (s *Gorm) Upsert(ctx context.Context, emails []models.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&emails)
	return int(res.RowsAffected), res.Error
}

func (s *Gorm) Exists(ctx context.Context, messageID string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.Email{}).Where("message_id = ?", messageID).Count(&count).Error
	return count > 0, err
}

func (s *Gorm) Cursor(ctx context.Context, mailbox string) (uint64, error) {
	var cur models.MailCursor
	err := s.DB.WithContext(ctx).Where("mailbox = ?", mailbox).Take(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return cur.LastHistoryID, err
}

func (s *Gorm) SaveCursor(ctx context.Context, mailbox string, historyID uint64) error {
	cur := models.MailCursor{Mailbox: mailbox, LastHistoryID: historyID}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mailbox"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_history_id", "updated_at"}),
	}).Create(&cur).Error
}

// --- CredentialStore ---

func (s *Gorm) Put(ctx context.Context, cred models.Credential, tmpl models.RequestTemplate) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cred).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&tmpl).Error
	})
}

func (s *Gorm) Credential(ctx context.Context, name string) (*models.Credential, error) {
	var cred models.Credential
	if err := s.DB.WithContext(ctx).Where("name = ?", name).Take(&cred).Error; err != nil {
		return nil, classify(err)
	}
	return &cred, nil
}

func (s *Gorm) Template(ctx context.Context, name string) (*models.RequestTemplate, error) {
	var tmpl models.RequestTemplate
	if err := s.DB.WithContext(ctx).Where("name = ?", name).Take(&tmpl).Error; err != nil {
		return nil, classify(err)
	}
	return &tmpl, nil
}

func (s *Gorm) MarkNeedsRefresh(ctx context.Context, name string) error {
	res := s.DB.WithContext(ctx).Model(&models.Credential{}).Where("name = ?", name).Update("needs_refresh", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) Delete(ctx context.Context, name string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).Delete(&models.RequestTemplate{}).Error; err != nil {
			return err
		}
		return tx.Where("name = ?", name).Delete(&models.Credential{}).Error
	})
}
