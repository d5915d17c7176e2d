// Package broker publishes booking events to RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"busticket-agent/internal/domain"
)

const eventBookingConfirmed = "booking.confirmed"

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// BookingEvent is the message body consumers receive.
type BookingEvent struct {
	Type          string    `json:"type"`
	BookingID     string    `json:"booking_id"`
	ThreadID      string    `json:"thread_id"`
	UserID        string    `json:"user_id,omitempty"`
	PickupPoint   string    `json:"pickup_point"`
	DroppingPoint string    `json:"dropping_point"`
	Date          string    `json:"date"`
	Seats         int       `json:"seats"`
	BookedAt      time.Time `json:"booked_at"`
}

// Publisher sends persistent messages to one durable queue through the
// default exchange. A channel is not safe for concurrent publishing, so
// calls are serialized.
type Publisher struct {
	mu    sync.Mutex
	ch    channel
	conn  *amqp.Connection
	queue string
}

// Dial opens a connection and channel to url and declares queue.
func Dial(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	p, err := NewPublisher(ch, queue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func NewPublisher(ch channel, queue string) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("broker: channel must not be nil")
	}
	if queue == "" {
		queue = eventBookingConfirmed
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("broker: declare queue %s: %w", queue, err)
	}
	return &Publisher{ch: ch, queue: queue}, nil
}

func (p *Publisher) PublishBookingConfirmed(ctx context.Context, rec domain.BookingRecord) error {
	body, err := json.Marshal(BookingEvent{
		Type:          eventBookingConfirmed,
		BookingID:     rec.BookingID,
		ThreadID:      rec.ConversationID,
		UserID:        rec.UserID,
		PickupPoint:   rec.PickupPoint,
		DroppingPoint: rec.DroppingPoint,
		Date:          rec.Date,
		Seats:         rec.Seats,
		BookedAt:      rec.BookedAt,
	})
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.BookingID,
		Type:         eventBookingConfirmed,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("broker: publish %s: %w", rec.BookingID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
