/*
Package kafka carries the change feed over Kafka.

WIRE FORMAT:
  One JSON message per change on a topic named after the table:

    {"eventType": "INSERT|UPDATE|DELETE", "table": "activities",
     "new": {...} | null, "old": {...} | null}

  Record payloads go through the same boundary decoder as snapshot
  records.

SUBSCRIPTIONS:
  Every subscription reads with its own consumer group starting at the
  latest offset, so each widget binding sees every partition and only
  events after it subscribed. Earlier history is covered by the bulk
  snapshot. The owner filter is applied here, since Kafka cannot filter
  on the broker.

  Undecodable messages are committed and skipped so one bad record cannot
  wedge a subscription. A fetch error ends the subscription; the engine's
  subscriber then reconnects and reloads.

SEE ALSO:
  - generic/feed.go: consumer side
  - publisher.go: producer side
*/
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/warp/salesops-engine/generic"
)

// Reader exposes the minimal kafka.Reader interface needed by a
// subscription.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader on topic for a fresh consumer group.
type ReaderFactory func(topic, groupID string) Reader

// DecodeFunc coerces one raw record at the boundary.
type DecodeFunc[R generic.Record] func(data []byte) (R, error)

// NewReaderFactory returns a factory producing kafka-go readers for brokers.
func NewReaderFactory(brokers []string) ReaderFactory {
	return func(topic, groupID string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
	}
}

// WireEvent is the JSON shape of a change message.
type WireEvent struct {
	EventType string          `json:"eventType"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new"`
	Old       json.RawMessage `json:"old"`
}

// =============================================================================
// SOURCE
// =============================================================================

// Source implements generic.FeedSource over Kafka topics.
type Source[R generic.Record] struct {
	newReader   ReaderFactory
	decode      DecodeFunc[R]
	groupPrefix string
	logger      slog.Logger
}

// NewSource creates a feed source. Consumer groups are named
// <groupPrefix>-<uuid>.
func NewSource[R generic.Record](newReader ReaderFactory, decode DecodeFunc[R], groupPrefix string, logger slog.Logger) *Source[R] {
	return &Source[R]{
		newReader:   newReader,
		decode:      decode,
		groupPrefix: groupPrefix,
		logger:      logger.Named("kafka_feed"),
	}
}

// Subscribe opens a reader on the table's topic and starts delivering
// events that pass filter.
func (s *Source[R]) Subscribe(ctx context.Context, table string, filter generic.Filter) (generic.Subscription[R], error) {
	if table == "" {
		return nil, errors.New("subscribe: table required")
	}
	group := s.groupPrefix + "-" + uuid.NewString()
	reader := s.newReader(table, group)

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription[R]{
		source: s,
		table:  table,
		filter: filter,
		reader: reader,
		logger: s.logger.With(slog.F("topic", table), slog.F("group", group), slog.F("filter", filter.String())),
		events: make(chan generic.ChangeEvent[R], 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(ctx)
	return sub, nil
}

// Decode turns one message into a change event.
func (s *Source[R]) Decode(msg kafka.Message) (generic.ChangeEvent[R], string, error) {
	var wire WireEvent
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		return generic.ChangeEvent[R]{}, "", fmt.Errorf("decode change message: %w", err)
	}
	ev := generic.ChangeEvent[R]{Type: generic.ParseChangeOp(wire.EventType)}

	var err error
	if ev.New, err = s.image(wire.New); err != nil {
		return generic.ChangeEvent[R]{}, wire.Table, fmt.Errorf("decode new image: %w", err)
	}
	if ev.Old, err = s.image(wire.Old); err != nil {
		// DELETE needs the old key; other operations can live without it.
		if ev.Type == generic.OpDelete {
			return generic.ChangeEvent[R]{}, wire.Table, fmt.Errorf("decode old image: %w", err)
		}
		ev.Old = nil
	}
	return ev, wire.Table, nil
}

func (s *Source[R]) image(raw json.RawMessage) (*R, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	r, err := s.decode(raw)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

type subscription[R generic.Record] struct {
	source *Source[R]
	table  string
	filter generic.Filter
	reader Reader
	logger slog.Logger

	events chan generic.ChangeEvent[R]
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription[R]) Events() <-chan generic.ChangeEvent[R] { return s.events }

func (s *subscription[R]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the reader loop, waits for it and closes the reader.
func (s *subscription[R]) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
	})
	return err
}

func (s *subscription[R]) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.mu.Lock()
				s.err = fmt.Errorf("fetch change message: %w", err)
				s.mu.Unlock()
			}
			return
		}

		ev, table, err := s.source.Decode(msg)
		switch {
		case err != nil:
			s.logger.Warn(ctx, "skipping undecodable change message",
				slog.F("partition", msg.Partition), slog.F("offset", msg.Offset), slog.Error(err))
		case table != "" && table != s.table:
		case !generic.Delivers(s.filter, ev):
		default:
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Debug(ctx, "commit change message", slog.Error(err))
		}
	}
}
