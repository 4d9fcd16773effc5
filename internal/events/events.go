// Package events передаёт уведомления об изменении поездок через RabbitMQ.
// Уведомление только ускоряет синхронизацию зеркала: потерянное сообщение
// подберёт следующий периодический проход.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// Exchange - topic exchange событий поездок.
	Exchange = "carpool.rides"
	// RoutingKeyRideChanged - ключ маршрутизации события изменения поездки.
	RoutingKeyRideChanged = "ride.changed"
	// MirrorQueue - очередь синхронизатора зеркала.
	MirrorQueue = "carpool.mirror.sync"

	publishTimeout = 5 * time.Second
)

// RideChanged - тело события изменения поездки.
type RideChanged struct {
	RideID     int64     `json:"ride_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Broker - подключение к RabbitMQ с одним каналом.
type Broker struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	logger *zap.Logger
}

// Dial подключается к RabbitMQ и объявляет exchange и очередь синхронизатора.
func Dial(url string, logger *zap.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	logger.Info("rabbitmq connected", zap.String("exchange", Exchange))
	return &Broker{conn: conn, ch: ch, logger: logger}, nil
}

func declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(MirrorQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(MirrorQueue, "ride.*", Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Close(); err != nil && !b.conn.IsClosed() {
		b.logger.Warn("close rabbitmq channel", zap.Error(err))
	}
	return b.conn.Close()
}

// PublishWithContext публикует сообщение. Канал amqp не потокобезопасен для публикации.
func (b *Broker) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Consume подписывается на очередь с ручным подтверждением.
func (b *Broker) Consume(queue string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.Consume(queue, "", false, false, false, false, nil)
}

// Channel - публикация в RabbitMQ.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher отправляет события изменения поездок.
type Publisher struct {
	ch     Channel
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher создаёт издателя событий.
func NewPublisher(ch Channel, logger *zap.Logger) *Publisher {
	return &Publisher{ch: ch, logger: logger, now: time.Now}
}

// RideChanged публикует событие изменения поездки.
func (p *Publisher) RideChanged(ctx context.Context, rideID int64) error {
	event := RideChanged{RideID: rideID, OccurredAt: p.now().UTC()}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal ride event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    event.OccurredAt,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, Exchange, RoutingKeyRideChanged, false, false, msg); err != nil {
		return fmt.Errorf("publish ride %d event: %w", rideID, err)
	}

	p.logger.Debug("ride event published",
		zap.Int64("ride_id", rideID),
		zap.String("message_id", msg.MessageId),
	)
	return nil
}

// HandlerFunc обрабатывает событие изменения поездки.
type HandlerFunc func(ctx context.Context, rideID int64) error

// Consumer передаёт события из очереди обработчику.
type Consumer struct {
	handle HandlerFunc
	logger *zap.Logger
}

// NewConsumer создаёт потребителя событий.
func NewConsumer(handle HandlerFunc, logger *zap.Logger) *Consumer {
	return &Consumer{handle: handle, logger: logger}
}

// Run обрабатывает сообщения, пока не закроется канал доставки или не отменится ctx.
// Закрытие канала останавливает только потребителя: изменения, пропущенные
// после этого, подхватит периодический проход синхронизации.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("ride event delivery channel closed, event-driven sync stopped",
					zap.String("op", "consume_ride_events"),
				)
				return
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle обрабатывает одно сообщение. Успешно обработанное сообщение
// подтверждается, остальные отклоняются без возврата в очередь.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var event RideChanged
	if err := json.Unmarshal(d.Body, &event); err != nil || event.RideID <= 0 {
		c.logger.Warn("malformed ride event dropped",
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		c.reject(d)
		return
	}

	if err := c.handle(ctx, event.RideID); err != nil {
		c.logger.Error("ride event handling failed",
			zap.String("message_id", d.MessageId),
			zap.Int64("ride_id", event.RideID),
			zap.Error(err),
		)
		c.reject(d)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack ride event", zap.String("message_id", d.MessageId), zap.Error(err))
	}
}

func (c *Consumer) reject(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		c.logger.Warn("nack ride event", zap.String("message_id", d.MessageId), zap.Error(err))
	}
}
