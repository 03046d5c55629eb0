package kafka

import (
	"testing"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/logging"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"kind":"response","notification_id":"n-1","action_identifier":"snooze","at":"2026-05-12T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != delivery.EventResponse || ev.ActionIdentifier != "snooze" || ev.Content.NotificationID != "n-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.At.IsZero() {
		t.Fatal("timestamp not parsed")
	}
}

func TestDecodeEventRejects(t *testing.T) {
	tests := map[string]string{
		"not json":        `{`,
		"no id":           `{"kind":"delivered"}`,
		"unknown kind":    `{"kind":"opened","notification_id":"n-1"}`,
		"response no act": `{"kind":"response","notification_id":"n-1"}`,
	}
	for name, raw := range tests {
		if _, err := DecodeEvent([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewConsumerValidates(t *testing.T) {
	if _, err := NewConsumer(Config{Topic: "t"}, nil, logging.NewDiscard()); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewConsumer(Config{Brokers: []string{"localhost:9092"}}, nil, logging.NewDiscard()); err == nil {
		t.Fatal("expected error without topic")
	}
}
