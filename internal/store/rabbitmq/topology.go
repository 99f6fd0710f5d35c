package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue names derived from the main queue.
func RetryQueue(queue string) string { return queue + ".retry" }
func DeadQueue(queue string) string  { return queue + ".dlq" }

// DeclareTopology declares the main queue, a TTL retry queue that dead-letters
// back into it, and a DLQ for rejected messages. Publisher and consumer both
// call it so the queue arguments always agree.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		DeadQueue(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		RetryQueue(queue),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DeadQueue(queue),
		},
	)
	return err
}
