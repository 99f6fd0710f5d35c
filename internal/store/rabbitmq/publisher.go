package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// JobMessage is the body of every save-job delivery. Conversation is the
// logical document id (agent:user_id:session_id), carried for logs only;
// the job row stays the source of truth.
type JobMessage struct {
	JobID        string    `json:"job_id"`
	Conversation string    `json:"conversation,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

var errEmptyJobID = errors.New("job message without job_id")

func jobPublishing(m JobMessage) (amqp.Publishing, error) {
	if m.JobID == "" {
		return amqp.Publishing{}, errEmptyJobID
	}
	body, err := json.Marshal(m)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.JobID,
		Type:         "memory.save",
		Body:         body,
		Timestamp:    m.EnqueuedAt,
	}, nil
}

func decodeJobMessage(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return JobMessage{}, err
	}
	if m.JobID == "" {
		return JobMessage{}, errEmptyJobID
	}
	return m, nil
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishJob queues a save job for the conversation it will write.
func (p *Publisher) PublishJob(ctx context.Context, jobID, conversation string) error {
	msg, err := jobPublishing(JobMessage{JobID: jobID, Conversation: conversation, EnqueuedAt: time.Now()})
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(cctx, "", p.queue, false, false, msg)
}
