package rabbitmq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/chat-memory/internal/logger"
)

const retryHeader = "x-retry-count"

// Handler processes one job id. A returned error triggers a delayed retry
// until MaxRetries is reached, then the message goes to the DLQ.
type Handler func(ctx context.Context, jobID string) error

type ConsumerOptions struct {
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	opts  ConsumerOptions
	log   *logger.Logger
}

func NewConsumer(url, queue string, opts ConsumerOptions, log *logger.Logger) (*Consumer, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

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
	// strict concurrency control
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, opts: opts, log: log.With("queue", queue)}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run feeds deliveries to a fixed pool of workers until ctx is cancelled or
// the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info("consumer started", "concurrency", c.opts.Concurrency)

	deliveries := make(chan amqp.Delivery, c.opts.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(deliveries)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			deliveries <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	m, err := decodeJobMessage(d.Body)
	if err != nil {
		c.log.Warn("bad message", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}
	log := c.log.With("worker", workerID, "job_id", m.JobID, "conversation", m.Conversation)

	start := time.Now()
	err = handle(ctx, m.JobID)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Warn("ack failed", "error", ackErr)
		}
		if !m.EnqueuedAt.IsZero() {
			log.Debug("job saved", "cost", time.Since(start), "queued", start.Sub(m.EnqueuedAt))
		}
		return
	}

	retries := retryCount(d.Headers)
	log.Warn("job failed", "retries", retries, "cost", time.Since(start), "error", err)
	if retries >= c.opts.MaxRetries {
		_ = d.Nack(false, false)
		return
	}
	if err := c.scheduleRetry(ctx, d, retries+1); err != nil {
		log.Error("schedule retry failed", "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) scheduleRetry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return c.ch.PublishWithContext(cctx, "", RetryQueue(c.queue), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(c.opts.RetryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{retryHeader: int32(attempt)},
	})
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
