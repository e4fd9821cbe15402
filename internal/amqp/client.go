package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second

	// maxDeliveries caps redelivery of a failing message on queues that
	// count deliveries in the x-delivery-count header.
	maxDeliveries = 10
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrPermanent marks a handler failure that redelivery cannot fix. Such a
// message is dropped instead of requeued.
var ErrPermanent = errors.New("permanent handler failure")

type (
	SaveHandler   func(ctx context.Context, msg *SaveMessage) error
	DeleteHandler func(ctx context.Context, msg *DeleteMessage) error
)

// Client publishes and consumes outbox messages on one durable queue bound to
// a direct exchange. The connection is dialled lazily and re-established
// after connection errors.
type Client struct {
	url          string
	exchangeName string
	queueName    string
	logger       *applog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	lastFailure  time.Time
}

// NewClient dials the broker and declares the exchange and queue.
func NewClient(url, exchangeName, queueName string, logger *applog.Logger) (*Client, error) {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		logger:       applog.OrDefault(logger, applog.ComponentAMQP),
	}
	if _, err := c.ensureChannel(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()

	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := setup(channel, c.exchangeName, c.queueName); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	c.conn = conn
	c.channel = channel
	return channel, nil
}

func setup(channel *amqp091.Channel, exchangeName, queueName string) error {
	err := channel.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Routing key is the queue name.
	if err := channel.QueueBind(queueName, queueName, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// PublishSave enqueues a full-state upsert for userID.
func (c *Client) PublishSave(ctx context.Context, userID string, state core.AppState) error {
	body, err := NewSaveMessage(userID, state).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, KindSave, body); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "Published save message",
		applog.FieldUserID, userID,
		applog.FieldExpenseCount, len(state.Expenses),
		"queue", c.queueName)
	return nil
}

// PublishDelete enqueues the removal of one expense.
func (c *Client) PublishDelete(ctx context.Context, userID, expenseID string) error {
	body, err := NewDeleteMessage(userID, expenseID).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, KindDelete, body); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "Published delete message",
		applog.FieldUserID, userID,
		applog.FieldExpenseID, expenseID,
		"queue", c.queueName)
	return nil
}

func (c *Client) publish(ctx context.Context, kind string, body []byte) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish %s: %w", kind, ErrCircuitOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	channel, err := c.ensureChannel()
	if err != nil {
		c.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			Type:         kind,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.dropChannel()
		}
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	c.recordSuccess()
	return nil
}

// Consume delivers messages to the handlers until ctx is done. Handler errors
// requeue the message unless they wrap ErrPermanent or the message has been
// delivered maxDeliveries times; malformed messages are rejected without
// requeue. A lost connection is re-established with exponential backoff.
func (c *Client) Consume(ctx context.Context, onSave SaveHandler, onDelete DeleteHandler) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx, onSave, onDelete, func() { attempt = 0 })
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		if err != nil && !isConnectionError(err) {
			return err
		}

		delay := exponentialBackoff(attempt)
		attempt++
		c.logger.WarnContext(ctx, "Consumer lost connection, reconnecting",
			applog.FieldError, fmt.Sprint(err),
			"attempt", attempt,
			"delay", delay)
		c.dropChannel()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, onSave SaveHandler, onDelete DeleteHandler, connected func()) error {
	channel, err := c.ensureChannel()
	if err != nil {
		return err
	}
	if err := channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	connected()
	c.logger.InfoContext(ctx, "Started consuming messages", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			o := c.dispatch(ctx, delivery.Type, delivery.Body, onSave, onDelete)
			if o == outcomeRequeue && deliveryCount(delivery.Headers) >= maxDeliveries {
				c.logger.ErrorContext(ctx, "Dropping message after repeated failures",
					"type", delivery.Type,
					"deliveries", deliveryCount(delivery.Headers))
				o = outcomeReject
			}
			c.settle(ctx, delivery, o)
		}
	}
}

// outcome is how a delivery is settled with the broker.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeReject
)

func (c *Client) settle(ctx context.Context, d amqp091.Delivery, o outcome) {
	var err error
	switch o {
	case outcomeAck:
		err = d.Ack(false)
	case outcomeRequeue:
		err = d.Nack(false, true)
	case outcomeReject:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to settle delivery",
			applog.FieldError, err,
			"delivery_tag", d.DeliveryTag)
	}
}

// dispatch decodes one delivery and runs the matching handler.
func (c *Client) dispatch(ctx context.Context, kind string, body []byte, onSave SaveHandler, onDelete DeleteHandler) outcome {
	logger := c.logger
	switch kind {
	case KindSave:
		msg, err := SaveMessageFromJSON(body)
		if err != nil {
			logger.ErrorContext(ctx, "Rejecting malformed save message", applog.FieldError, err)
			return outcomeReject
		}
		if err := onSave(ctx, msg); err != nil {
			logger.ErrorContext(ctx, "Failed to handle save message",
				applog.FieldError, err,
				applog.FieldUserID, msg.UserID)
			return failureOutcome(err)
		}
		return outcomeAck

	case KindDelete:
		msg, err := DeleteMessageFromJSON(body)
		if err != nil {
			logger.ErrorContext(ctx, "Rejecting malformed delete message", applog.FieldError, err)
			return outcomeReject
		}
		if err := onDelete(ctx, msg); err != nil {
			logger.ErrorContext(ctx, "Failed to handle delete message",
				applog.FieldError, err,
				applog.FieldUserID, msg.UserID,
				applog.FieldExpenseID, msg.ExpenseID)
			return failureOutcome(err)
		}
		return outcomeAck

	default:
		logger.ErrorContext(ctx, "Rejecting message of unknown type", "type", kind)
		return outcomeReject
	}
}

func failureOutcome(err error) outcome {
	if errors.Is(err, ErrPermanent) {
		return outcomeReject
	}
	return outcomeRequeue
}

// deliveryCount reads the x-delivery-count header set by quorum queues.
// Classic queues do not set it and always yield 0.
func deliveryCount(headers amqp091.Table) int64 {
	switch n := headers["x-delivery-count"].(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.mu.Lock()
	last := c.lastFailure
	c.mu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			c.logger.Warn("AMQP circuit breaker opened", "failures", atomic.LoadInt64(&c.failureCount))
		}
	}
}

func (c *Client) dropChannel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// exponentialBackoff returns 1s doubled per attempt, capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	delay := time.Second << attempt
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection",
		"EOF",
		"broken pipe",
		"channel closed",
		"dial AMQP",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
