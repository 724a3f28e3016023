package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/abkawan/sendmoney-ledger/internal/models"
)

const (
	// queue for committed transfers
	TransferQueue = "transfers"
)

// TransferHandler processes one delivered event. A returned error requeues
// the message unless it is permanent.
type TransferHandler func(ctx context.Context, event models.TransferEvent) error

// handles RabbitMQ operations
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
	logger  *slog.Logger

	// amqp.Channel is not safe for concurrent publishing
	mu sync.Mutex
}

func NewRabbitMQ(uri string, logger *slog.Logger) (*RabbitMQ, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		TransferQueue, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		queue:   q,
		logger:  logger,
	}, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

// publishes a committed transfer to the queue
func (r *RabbitMQ) PublishTransfer(ctx context.Context, event models.TransferEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Publish a message
	err = r.channel.Publish(
		"",            // exchange
		TransferQueue, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.TransactionID,
			Timestamp:    event.Timestamp,
			Body:         body,
			DeliveryMode: amqp.Persistent, // make message persistent
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}

	return nil
}

// ConsumeTransfers delivers events to handle until ctx is cancelled or the
// broker closes the channel. Messages are acked only after handle succeeds.
func (r *RabbitMQ) ConsumeTransfers(ctx context.Context, handle TransferHandler) error {
	msgs, err := r.channel.Consume(
		TransferQueue, // queue
		"",            // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			r.deliver(ctx, msg, handle)
		}
	}
}

func (r *RabbitMQ) deliver(ctx context.Context, msg amqp.Delivery, handle TransferHandler) {
	event, err := DecodeTransferEvent(msg.Body)
	if err != nil {
		r.logger.Error("dropping malformed transfer event", "message_id", msg.MessageId, "error", err)
		msg.Reject(false) // Don't requeue
		return
	}

	if err := handle(ctx, event); err != nil {
		// requeue once; a redelivered message that still fails is dropped
		requeue := !msg.Redelivered
		r.logger.Error("failed to handle transfer event",
			"transaction_id", event.TransactionID,
			"requeue", requeue,
			"error", err,
		)
		msg.Nack(false, requeue)
		return
	}

	// Acknowledge message
	msg.Ack(false)
}

// DecodeTransferEvent parses a message body and checks it names a transaction.
func DecodeTransferEvent(body []byte) (models.TransferEvent, error) {
	var event models.TransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return models.TransferEvent{}, fmt.Errorf("failed to unmarshal transfer event: %w", err)
	}
	if event.TransactionID == "" {
		return models.TransferEvent{}, fmt.Errorf("transfer event has no transactionId")
	}
	return event, nil
}
