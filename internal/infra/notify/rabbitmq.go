package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/iou-ledger-go/internal/port"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPDispatcher is a port.NotificationDispatcher that publishes each
// notification to a durable RabbitMQ queue. Run consumes the same queue and
// acknowledges a message only after the sink accepted it.
type AMQPDispatcher struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string

	sink    port.NotificationSink
	cfg     resilience.Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewAMQPDispatcher dials the broker and declares the exchange, queue and binding.
func NewAMQPDispatcher(url, exchangeName, queueName string, sink port.NotificationSink, cfg resilience.Config, logger *zap.Logger, metrics *observability.Metrics) (*AMQPDispatcher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	d := &AMQPDispatcher{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
		sink:         sink,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
	}

	if err := d.setup(); err != nil {
		d.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	return d, nil
}

func (d *AMQPDispatcher) setup() error {
	err := d.channel.ExchangeDeclare(
		d.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = d.channel.QueueDeclare(
		d.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = d.channel.QueueBind(
		d.queueName,    // queue name
		d.queueName,    // routing key
		d.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Dispatch publishes n as a persistent JSON message.
func (d *AMQPDispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	body, err := encodeTask(n)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = d.channel.PublishWithContext(
		ctx,
		d.exchangeName, // exchange
		d.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    n.ID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	d.logger.Debug("published notification",
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("queue", d.queueName),
	)
	return nil
}

// Run consumes notification tasks until ctx is cancelled.
func (d *AMQPDispatcher) Run(ctx context.Context) error {
	msgs, err := d.channel.Consume(
		d.queueName, // queue
		"",          // consumer
		false,       // auto-ack (manual ack after the sink write)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	d.logger.Info("consuming notification tasks", zap.String("queue", d.queueName))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			d.handle(ctx, delivery)
		}
	}
}

// acknowledger is the subset of amqp091.Delivery that handle needs.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (d *AMQPDispatcher) handle(ctx context.Context, delivery amqp091.Delivery) {
	handleTask(ctx, delivery.Body, delivery, d.sink, d.cfg, d.logger, d.metrics)
}

func handleTask(ctx context.Context, body []byte, ack acknowledger, sink port.NotificationSink, cfg resilience.Config, logger *zap.Logger, metrics *observability.Metrics) {
	n, err := decodeTask(body)
	if err != nil {
		logger.Error("dropping malformed notification task", zap.Error(err))
		ack.Nack(false, false)
		return
	}

	if err := Deliver(ctx, sink, cfg, n, logger, metrics); err != nil {
		ack.Nack(false, true)
		return
	}
	ack.Ack(false)
}

func encodeTask(n domain.Notification) ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return b, nil
}

func decodeTask(body []byte) (domain.Notification, error) {
	var n domain.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return n, fmt.Errorf("unmarshal notification: %w", err)
	}
	if n.ID == "" || n.UserID == "" {
		return n, fmt.Errorf("notification task missing id or user_id")
	}
	return n, nil
}

// Close closes the channel and the connection.
func (d *AMQPDispatcher) Close() error {
	if d.channel != nil {
		d.channel.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
