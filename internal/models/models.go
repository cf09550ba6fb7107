package models

import (
	"time"

	"github.com/justsurfingit/applytrail/internal/capture"
)

// PlaceholderDescription is stored until a real description is fetched.
const PlaceholderDescription = "No description provided"

type Company struct {
	// Opaque upstream reference, e.g. "urn:li:fsd_company:1035".
	Ref       string    `gorm:"primaryKey" json:"company_ref"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name    string `gorm:"not null;index" json:"company_name"`
	LogoURL string `json:"logo_url"`
	URL     string `json:"url"`

	// 'omitempty' prevents infinite loops when fetching a Job -> Company -> Jobs -> ...
	Jobs []Job `gorm:"foreignKey:CompanyRef;references:Ref" json:"jobs,omitempty"`
}

type Job struct {
	JobID     string    `gorm:"primaryKey" json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Foreign Key
	CompanyRef *string `gorm:"index" json:"company_ref"`
	// Association: GORM needs Preload() to fill this
	Company *Company `gorm:"foreignKey:CompanyRef;references:Ref" json:"company,omitempty"`

	Title            string     `gorm:"not null" json:"title"`
	Location         string     `json:"location"`
	WorkplaceType    string     `json:"workplace_type"`
	EmploymentType   string     `json:"employment_type"`
	EmploymentStatus string     `json:"employment_status"`
	ExperienceLevel  string     `json:"experience_level"`
	PostedOn         *time.Time `json:"posted_on"`
	URL              string     `json:"url"`
	DescriptionFull  string     `gorm:"type:text" json:"description_full"`
	Applicants       *int       `json:"applicants"`

	ApplicationStatus Status     `gorm:"type:varchar(20);default:'Waiting';index" json:"application_status"`
	HasApplied        bool       `json:"has_applied"`
	AppliedOn         *time.Time `gorm:"index" json:"applied_on"`
	ExpireAt          *time.Time `json:"expire_at"`
	JobState          string     `json:"job_state"`
	ApplicationClosed *bool      `json:"application_closed"`
	Processed         bool       `gorm:"index" json:"processed"`
	Disabled          bool       `json:"disabled"`
	EasyApply         bool       `json:"easy_apply"`

	Insights         []string `gorm:"serializer:json;type:jsonb" json:"insights"`
	Keywords         []string `gorm:"serializer:json;type:jsonb" json:"keywords"`
	Responsibilities []string `gorm:"serializer:json;type:jsonb" json:"responsibilities"`
	Qualifications   []string `gorm:"serializer:json;type:jsonb" json:"qualifications"`
}

// HasRealDescription reports whether the description holds fetched content.
func (j *Job) HasRealDescription() bool {
	return IsRealDescription(j.DescriptionFull)
}

// IsRealDescription is false for empty text and the placeholder.
func IsRealDescription(s string) bool {
	return s != "" && s != PlaceholderDescription
}

// JobEvent is the audit trail of status changes.
type JobEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `gorm:"index" json:"job_id"`
	EventType string    `json:"event_type"`
	Details   string    `gorm:"type:text" json:"details"`
}

// Email is a message pulled from the mailbox.
type Email struct {
	MessageID     string    `gorm:"primaryKey" json:"message_id"`
	CreatedAt     time.Time `json:"created_at"`
	Folder        string    `gorm:"index" json:"folder"`
	Category      string    `gorm:"index" json:"category"`
	Subject       string    `json:"subject"`
	SenderDisplay string    `json:"sender_display"`
	SenderAddress string    `json:"sender_address"`
	ReceivedAt    time.Time `gorm:"index" json:"received_at"`
	BodyText      string    `gorm:"type:text" json:"body_text"`
	Snippet       string    `json:"snippet"`
}

// MailCursor bookmarks how far a mailbox has been synced.
type MailCursor struct {
	Mailbox       string    `gorm:"primaryKey" json:"mailbox"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastHistoryID uint64    `json:"last_history_id"`
}

// Mail categories assigned at ingest.
const (
	CategoryRejection = "rejection"
	CategoryOther     = "other"
)

// Credential is the session material captured from the browser.
type Credential struct {
	Name         string    `gorm:"primaryKey" json:"name"`
	CookieBundle string    `gorm:"type:text" json:"-"`
	CSRFToken    string    `json:"-"`
	NeedsRefresh bool      `json:"needs_refresh"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RequestTemplate stores the raw capture next to its parsed form.
type RequestTemplate struct {
	Name      string           `gorm:"primaryKey" json:"name"`
	Raw       string           `gorm:"type:text" json:"-"`
	Spec      capture.Template `gorm:"serializer:json;type:jsonb" json:"template"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StatusTransition is derived when a job's status is moved by automation.
// It is published, never stored.
type StatusTransition struct {
	JobID           string `json:"job_id"`
	OldStatus       Status `json:"old_status"`
	NewStatus       Status `json:"new_status"`
	Reason          string `json:"reason"`
	EvidenceEmailID string `json:"evidence_email_id,omitempty"`
}
