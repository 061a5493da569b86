// Package broker mirrors instance events onto an AMQP topic exchange.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

type Envelope struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type rmqClient struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	exchange string
	log      zerolog.Logger
}

// New dials url and declares a durable topic exchange.
func New(url, exchange string, log zerolog.Logger) (Publisher, error) {
	if url == "" {
		return nil, errors.New("broker: url is empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &rmqClient{
		conn:     conn,
		exchange: exchange,
		log:      log.With().Str("component", "broker").Str("exchange", exchange).Logger(),
	}, nil
}

func (r *rmqClient) Publish(ctx context.Context, key string, msg Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	if msg.Meta.ID == "" {
		msg.Meta.ID = uuid.NewString()
	}
	if msg.Meta.Time.IsZero() {
		msg.Meta.Time = time.Now().UTC()
	}
	cid := msg.Meta.ID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     msg.Meta.ID,
			CorrelationId: cid,
			Type:          msg.Meta.Type,
			Timestamp:     msg.Meta.Time,
			Body:          body,
		},
	)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("broker: publish was nacked")
	}
	r.log.Debug().Str("key", key).Str("id", msg.Meta.ID).Msg("published")
	return nil
}

func (r *rmqClient) Close() error {
	return r.conn.Close()
}

// FallbackPublisher drops messages when no broker is configured.
type FallbackPublisher struct {
	log zerolog.Logger
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	p.log.Debug().Str("key", key).Msg("no broker configured, publish skipped")
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}

func NewFallback(log zerolog.Logger) Publisher {
	return &FallbackPublisher{log: log.With().Str("component", "broker").Logger()}
}
