package jobs

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(&SaveJob{})
}

func (r *Repo) CreateJob(ctx context.Context, job *SaveJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*SaveJob, error) {
	var j SaveJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkRunning moves a queued or failed job to running and counts the attempt.
// It reports false when the job was already running or done.
func (r *Repo) MarkRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&SaveJob{}).
		Where("id = ? AND status IN ?", id, []Status{StatusQueued, StatusFailed}).
		Updates(map[string]any{
			"status":   StatusRunning,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkSucceeded(ctx context.Context, id string, keys []string) error {
	return r.db.WithContext(ctx).Model(&SaveJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      StatusSucceeded,
			"result_keys": strings.Join(keys, ","),
			"error":       nil,
		}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&SaveJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      StatusFailed,
			"error":       errMsg,
			"result_keys": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID, key string) (*SaveJob, error) {
	var job SaveJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting creates job, or returns the job already stored under
// the same (user_id, idempotency_key). The bool reports whether job was created.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *SaveJob) (*SaveJob, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
