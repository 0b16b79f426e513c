package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Queue names. Both are declared durable with persistent delivery so a broker
// restart does not lose queued work.
const (
	Questions = "questions"
	Answers   = "answers"
)

// WorkItem is one pending question on the questions queue.
type WorkItem struct {
	SubmissionID int64  `json:"submission_id"`
	IdentityID   int64  `json:"identity_id"`
	Question     string `json:"question"`
	Language     string `json:"language,omitempty"`
	ThreadID     int64  `json:"thread_id,omitempty"`
}

// ResultItem is one generated answer on the answers queue. Question and
// ThreadID are echoed from the work item.
type ResultItem struct {
	SubmissionID int64  `json:"submission_id"`
	IdentityID   int64  `json:"identity_id"`
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	ThreadID     int64  `json:"thread_id,omitempty"`
}

// Client wraps an AMQP connection and channel with the queue topology this
// system needs.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// Dial connects to the broker with retries and declares both durable queues.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Client, error) {
	var conn *amqp.Connection
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5), ctx)
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			log.Warn("AMQP connect failed, retrying", zap.Error(err))
		}
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("AMQP connect error: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("AMQP channel error: %w", err)
	}

	for _, name := range []string{Questions, Answers} {
		if _, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("AMQP queue declare %q: %w", name, err)
		}
	}

	log.Info("Connected to AMQP broker", zap.String("url", url))
	return &Client{conn: conn, ch: ch, log: log}, nil
}

// publish sends a JSON payload to a queue with persistent delivery.
func (c *Client) publish(ctx context.Context, queueName string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queueName, err)
	}
	return c.ch.PublishWithContext(
		ctx,
		"", // default exchange
		queueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// PublishWork enqueues a work item on the questions queue.
func (c *Client) PublishWork(ctx context.Context, item WorkItem) error {
	return c.publish(ctx, Questions, item)
}

// PublishResult enqueues a result item on the answers queue.
func (c *Client) PublishResult(ctx context.Context, item ResultItem) error {
	return c.publish(ctx, Answers, item)
}

// Consume starts a manual-ack consumer on the given queue. Prefetch is limited
// to one outstanding unacknowledged message so queue depth provides natural
// backpressure.
func (c *Client) Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("AMQP qos: %w", err)
	}
	msgs, err := c.ch.Consume(
		queueName,
		consumerTag,
		false, // auto-ack: consumers ack only after the side effect is durable
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("AMQP consume %q: %w", queueName, err)
	}
	return msgs, nil
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.log.Warn("AMQP channel close error", zap.Error(err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
	}
	return nil
}
