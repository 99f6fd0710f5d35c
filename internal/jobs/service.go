package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-memory/internal/chatmemory"
	"github.com/suPer8Hu/chat-memory/internal/common"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound = errors.New("save job not found")
	ErrEnqueue     = errors.New("enqueue failed")
)

// Publisher hands a job id to the queue, with the conversation it writes.
type Publisher interface {
	PublishJob(ctx context.Context, jobID, conversation string) error
}

// Saver is the part of the memory store a job needs.
type Saver interface {
	Save(ctx context.Context, conv chatmemory.Conversation, turns []chatmemory.Turn) (*chatmemory.SaveResult, error)
}

type Service struct {
	repo  *Repo
	store Saver
	pub   Publisher
	log   *logger.Logger
}

func NewService(repo *Repo, store Saver, pub Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, store: store, pub: pub, log: log.With("component", "jobs")}
}

// Enqueue records a save job and publishes it. A repeated idempotency key for
// the same user returns the existing job without publishing again.
func (s *Service) Enqueue(ctx context.Context, conv chatmemory.Conversation, turns []chatmemory.Turn, idempotencyKey string) (*SaveJob, bool, error) {
	payload, err := json.Marshal(turns)
	if err != nil {
		return nil, false, err
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	job := &SaveJob{
		ID:        id,
		Agent:     conv.Agent,
		UserID:    conv.UserID,
		SessionID: conv.SessionID,
		Turns:     string(payload),
		Status:    StatusQueued,
	}
	if k := strings.TrimSpace(idempotencyKey); k != "" {
		job.IdempotencyKey = &k
	}

	job, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}
	if err := s.pub.PublishJob(ctx, job.ID, conv.ID()); err != nil {
		_ = s.repo.MarkFailed(ctx, job.ID, "enqueue: "+err.Error())
		return nil, false, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	return job, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*SaveJob, error) {
	j, err := s.repo.GetJobByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// Run executes one job. A job that is already running or succeeded is left
// alone, so redelivered messages are harmless.
func (s *Service) Run(ctx context.Context, id string) error {
	start := time.Now()
	claimed, err := s.repo.MarkRunning(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		s.log.Info("job not claimable, skipping", "job_id", id)
		return nil
	}

	j, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		return err
	}

	var turns []chatmemory.Turn
	if err := json.Unmarshal([]byte(j.Turns), &turns); err != nil {
		_ = s.repo.MarkFailed(ctx, id, "bad payload: "+err.Error())
		return err
	}

	conv := chatmemory.Conversation{Agent: j.Agent, UserID: j.UserID, SessionID: j.SessionID}
	res, err := s.store.Save(ctx, conv, turns)
	if err != nil {
		if markErr := s.repo.MarkFailed(ctx, id, err.Error()); markErr != nil {
			s.log.Error("mark job failed", "job_id", id, "error", markErr)
		}
		s.log.Warn("save job failed", "job_id", id, "attempt", j.Attempts, "cost", time.Since(start), "error", err)
		return err
	}
	if err := s.repo.MarkSucceeded(ctx, id, res.Keys); err != nil {
		return err
	}
	if cost := time.Since(start); cost > 2*time.Second {
		s.log.Warn("slow save job", "job_id", id, "cost", cost)
	}
	return nil
}
