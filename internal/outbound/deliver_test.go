package outbound

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
)

type fakeSender struct {
	name  string
	limit int
	sent  []bus.OutboundMessage
	fail  func(attempt int) error
	calls int
}

func (f *fakeSender) Name() string { return f.name }
func (f *fakeSender) TextLimit() int {
	if f.limit > 0 {
		return f.limit
	}
	return DefaultTextLimit
}
func (f *fakeSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestDeliverChunksSequentially(t *testing.T) {
	sender := &fakeSender{name: "fake", limit: 50}
	d := &Deliverer{}

	text := strings.Repeat("0123456789 ", 20)
	err := d.Deliver(context.Background(), sender, bus.OutboundMessage{Channel: "fake", ChatID: "c", Content: text})
	if err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(sender.sent))
	}
	var rebuilt []string
	for _, m := range sender.sent {
		if len(m.Content) > 50 {
			t.Fatalf("chunk over limit: %d", len(m.Content))
		}
		rebuilt = append(rebuilt, m.Content)
	}
	joined := strings.Join(rebuilt, " ")
	if !strings.Contains(joined, "0123456789") {
		t.Fatal("content lost in chunking")
	}
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	sender := &fakeSender{
		name: "fake",
		fail: func(attempt int) error {
			if attempt < 3 {
				return errors.New("429 too many requests")
			}
			return nil
		},
	}
	d := &Deliverer{}

	err := d.Deliver(context.Background(), sender, bus.OutboundMessage{Channel: "fake", ChatID: "c", Content: "hi"})
	if err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDeliverGivesUpOnPermanentError(t *testing.T) {
	sender := &fakeSender{
		name: "fake",
		fail: func(int) error { return errors.New("chat not found") },
	}
	d := &Deliverer{}

	err := d.Deliver(context.Background(), sender, bus.OutboundMessage{Channel: "fake", ChatID: "c", Content: "hi"})
	if err == nil {
		t.Fatal("permanent error should surface")
	}
	if sender.calls != 1 {
		t.Fatalf("permanent errors must not retry, got %d attempts", sender.calls)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	sender := &fakeSender{
		name: "fake",
		fail: func(int) error { return errors.New("connection reset by peer") },
	}
	d := &Deliverer{}

	err := d.Deliver(context.Background(), sender, bus.OutboundMessage{Channel: "fake", ChatID: "c", Content: "hi"})
	if err == nil {
		t.Fatal("exhausted retries should surface the error")
	}
	if sender.calls != maxSendAttempts {
		t.Fatalf("expected %d attempts, got %d", maxSendAttempts, sender.calls)
	}
}
