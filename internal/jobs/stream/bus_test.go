package stream_test

import (
	"fmt"
	"testing"

	"github.com/yungbote/bisect-dispatcher/internal/jobs/stream"
)

func TestSubscribeDeliversInPublishOrder(t *testing.T) {
	bus := stream.NewBus()
	bus.Publish(1, stream.MessageLog, "first")
	bus.Publish(1, stream.MessageLog, "second")
	bus.MarkComplete(1)

	cursor := bus.Subscribe(1, 0)

	msg, ok := cursor.Next()
	if !ok || msg.Content != "first" {
		t.Fatalf("expected first message, got %+v ok=%v", msg, ok)
	}
	msg, ok = cursor.Next()
	if !ok || msg.Content != "second" {
		t.Fatalf("expected second message, got %+v ok=%v", msg, ok)
	}
	_, ok = cursor.Next()
	if ok {
		t.Fatalf("expected stream to report drained after MarkComplete")
	}
}

func TestPublishEvictsOldestPastMaxBuffer(t *testing.T) {
	bus := stream.NewBus()
	for i := 0; i < stream.MaxBuffer+10; i++ {
		bus.Publish(1, stream.MessageLog, fmt.Sprintf("line-%d", i))
	}
	bus.MarkComplete(1)

	cursor := bus.Subscribe(1, 0)
	msg, ok := cursor.Next()
	if !ok {
		t.Fatalf("expected a message")
	}
	if msg.Content != "line-10" {
		t.Fatalf("expected the buffer to have evicted the first 10 entries, got %q", msg.Content)
	}
}

func TestCleanupDropsStream(t *testing.T) {
	bus := stream.NewBus()
	bus.Publish(1, stream.MessageLog, "hello")
	bus.MarkComplete(1)
	bus.Cleanup(1)

	// Cleanup wipes the job's state entirely; a later reuse of the same
	// job id starts from a clean slate rather than replaying old content.
	bus.Publish(1, stream.MessageLog, "fresh")
	bus.MarkComplete(1)

	cursor := bus.Subscribe(1, 0)
	msg, ok := cursor.Next()
	if !ok || msg.Content != "fresh" {
		t.Fatalf("expected only post-cleanup content, got %+v ok=%v", msg, ok)
	}
}
