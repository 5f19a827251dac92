// Package events announces generated letters to downstream mail handling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeyDocumentGenerated is published once per persisted letter.
const RoutingKeyDocumentGenerated = "letters.document.generated"

// DocumentGenerated is the event body.
type DocumentGenerated struct {
	DocumentID     string    `json:"documentId"`
	QueueID        *int64    `json:"queueId,omitempty"`
	ClaimNumber    string    `json:"claimNumber"`
	RuleID         string    `json:"ruleId,omitempty"`
	DocumentNumber string    `json:"documentNumber"`
	FileName       string    `json:"fileName"`
	StoragePath    string    `json:"storagePath"`
	SHA256Hash     string    `json:"sha256Hash"`
	MailTo         string    `json:"mailTo,omitempty"`
	GenerationType string    `json:"generationType"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// Publisher delivers letter events.
type Publisher interface {
	PublishDocumentGenerated(ctx context.Context, ev DocumentGenerated) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishDocumentGenerated(context.Context, DocumentGenerated) error { return nil }
func (Noop) Close() error { return nil }

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if strings.TrimSpace(url) == "" || exchange == "" {
		return nil, errors.New("events: amqp url and exchange are required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) PublishDocumentGenerated(ctx context.Context, ev DocumentGenerated) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyDocumentGenerated, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.DocumentID,
		Timestamp:    ev.GeneratedAt,
		Type:         RoutingKeyDocumentGenerated,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
