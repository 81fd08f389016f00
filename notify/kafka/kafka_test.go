package kafka_test

import (
	"context"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/notify/kafka"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(m kafkago.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestDeliverWritesOneMessagePerEvent(t *testing.T) {
	w := &fakeWriter{}
	sink := kafka.NewWithWriter(w, kafka.WithCodec(notify.MsgpackCodec{}))

	events := notify.Fanout(notify.KindNewBroadcast, "req_1", []string{"tr_1", "tr_2"}, "", nil)
	if err := sink.Deliver(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("wrote %d messages, want 2", len(w.msgs))
	}

	m := w.msgs[0]
	if string(m.Key) != "tr_1" {
		t.Errorf("key = %q", m.Key)
	}
	if header(m, kafka.HeaderEventID) != events[0].ID {
		t.Errorf("event-id header = %q", header(m, kafka.HeaderEventID))
	}
	if header(m, kafka.HeaderEventType) != "new_broadcast" {
		t.Errorf("event-type header = %q", header(m, kafka.HeaderEventType))
	}
	if header(m, kafka.HeaderContentType) != "application/msgpack" {
		t.Errorf("content-type header = %q", header(m, kafka.HeaderContentType))
	}

	var decoded notify.Event
	if err := (notify.MsgpackCodec{}).Decode(m.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != events[0].ID {
		t.Errorf("decoded id = %q", decoded.ID)
	}
}

func TestDeliverWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	sink := kafka.NewWithWriter(&fakeWriter{err: boom})

	err := sink.Deliver(context.Background(), []notify.Event{notify.NewEvent(notify.KindTripAssigned, "r", "d", "", nil)})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped broker error", err)
	}
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	sink := kafka.NewWithWriter(w)
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	err := sink.Deliver(context.Background(), []notify.Event{notify.NewEvent(notify.KindTripAssigned, "r", "d", "", nil)})
	if !errors.Is(err, kafka.ErrSinkClosed) {
		t.Errorf("err = %v, want ErrSinkClosed", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := kafka.New(kafka.Config{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := kafka.New(kafka.Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}
}
