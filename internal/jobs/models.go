package jobs

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// SaveJob is one queued conversation save.
type SaveJob struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID

	Agent     string `gorm:"type:varchar(128);index:idx_save_job_conv,priority:1;not null" json:"agent"`
	UserID    string `gorm:"type:varchar(128);index:idx_save_job_conv,priority:2;index:uniq_save_job_idempo,unique,priority:1;not null" json:"user_id"`
	SessionID string `gorm:"type:varchar(128);index:idx_save_job_conv,priority:3;not null" json:"session_id"`

	// Turns is the JSON-encoded turn list to save.
	Turns string `gorm:"type:text;not null" json:"-"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_save_job_idempo,unique,priority:2" json:"idempotency_key,omitempty"`

	Status   Status `gorm:"type:varchar(16);index;not null" json:"status"`
	Attempts int    `gorm:"not null;default:0" json:"attempts"`

	// Filled when succeeded: the document keys written.
	ResultKeys *string `gorm:"type:text" json:"result_keys,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SaveJob) TableName() string { return "memory_save_jobs" }
