package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestNewEventRoundTripsData(t *testing.T) {
	evt, err := NewEvent(EventCardLoaded, "m_1", "card", "c_1", TransactionData{TransactionID: "t_1", Amount: 500})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if evt.ID == "" || evt.Version != 1 {
		t.Fatalf("expected id and version 1, got %+v", evt)
	}

	var data TransactionData
	if err := evt.DecodeData(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.TransactionID != "t_1" || data.Amount != 500 {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	fan := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var calls []string
	fan.Register("broken", PublisherFunc(func(context.Context, *Event) error {
		calls = append(calls, "broken")
		return errors.New("boom")
	}))
	fan.Register("ok", PublisherFunc(func(context.Context, *Event) error {
		calls = append(calls, "ok")
		return nil
	}))
	fan.Register("nil", nil)

	evt, _ := NewEvent(EventCardCreated, "m_1", "card", "c_1", CardData{CardID: "c_1"})
	err := fan.Publish(context.Background(), evt)
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(calls) != 2 || calls[1] != "ok" {
		t.Fatalf("expected both publishers to run, got %v", calls)
	}
}

func TestIsKnownEventType(t *testing.T) {
	if !IsKnownEventType(EventCardRefunded) {
		t.Fatalf("expected card.refunded to be known")
	}
	if IsKnownEventType("card.exploded") {
		t.Fatalf("unexpected known type")
	}
}
