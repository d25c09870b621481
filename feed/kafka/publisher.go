package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/warp/salesops-engine/generic"
)

// Writer exposes the minimal kafka.Writer interface needed by a Publisher.
type Writer interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// NewWriter returns a kafka-go writer for brokers. The topic is set per
// message.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}
}

// Publisher emits change events in the wire format Source consumes. It is
// used by importers so live widgets see imported records.
type Publisher[R generic.Record] struct {
	writer Writer
}

func NewPublisher[R generic.Record](writer Writer) *Publisher[R] {
	return &Publisher[R]{writer: writer}
}

// Publish writes events to the table's topic, keyed by record key so every
// change to one record lands on the same partition in order.
func (p *Publisher[R]) Publish(ctx context.Context, table string, events ...generic.ChangeEvent[R]) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := Encode(table, ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d change events to %s: %w", len(msgs), table, err)
	}
	return nil
}

func (p *Publisher[R]) Close() error { return p.writer.Close() }

// Encode builds the message for one event.
func Encode[R generic.Record](table string, ev generic.ChangeEvent[R]) (kafka.Message, error) {
	wire := WireEvent{EventType: string(ev.Type), Table: table}
	var key string
	if ev.New != nil {
		b, err := json.Marshal(*ev.New)
		if err != nil {
			return kafka.Message{}, fmt.Errorf("encode new image: %w", err)
		}
		wire.New = b
		key = (*ev.New).Key()
	}
	if ev.Old != nil {
		b, err := json.Marshal(*ev.Old)
		if err != nil {
			return kafka.Message{}, fmt.Errorf("encode old image: %w", err)
		}
		wire.Old = b
		if key == "" {
			key = (*ev.Old).Key()
		}
	}
	value, err := json.Marshal(wire)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode change message: %w", err)
	}
	return kafka.Message{Topic: table, Key: []byte(key), Value: value}, nil
}
