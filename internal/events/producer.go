// Package events relays committed appointment events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hackgods/appointment-ledger/internal/appointment"
)

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Message is the record published for every event.
type Message struct {
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	AppointmentID string          `json:"appointment_id"`
	Version       int             `json:"version"`
	EventType     string          `json:"event_type"`
	ActorType     string          `json:"actor_type"`
	Reason        *string         `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	UndoneEventID *string         `json:"undone_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func NewMessage(ev appointment.Event) Message {
	m := Message{
		Seq:           ev.Seq,
		EventID:       ev.ID.String(),
		AppointmentID: ev.AppointmentID.String(),
		Version:       ev.Version,
		EventType:     string(ev.EventType),
		ActorType:     string(ev.ActorType),
		Reason:        ev.Reason,
		Payload:       ev.Payload,
		CreatedAt:     ev.CreatedAt,
	}
	if ev.UndoneEventID != nil {
		s := ev.UndoneEventID.String()
		m.UndoneEventID = &s
	}
	return m
}

// Publisher delivers a batch of events in order.
type Publisher interface {
	Publish(ctx context.Context, events []appointment.Event) error
	Close() error
}

// Producer publishes events to one Kafka topic keyed by appointment id, so
// a partition sees an appointment's events in version order.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		// dev brokers may not have the topic yet
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, topic: topic}
}

func (p *Producer) Publish(ctx context.Context, events []appointment.Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(NewMessage(ev))
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.AppointmentID.String()),
			Value: data,
			Time:  ev.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.EventType)},
				{Key: "appointment_id", Value: []byte(ev.AppointmentID.String())},
				{Key: "seq", Value: []byte(strconv.FormatInt(ev.Seq, 10))},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), p.topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
