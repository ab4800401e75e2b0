package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	redis "github.com/redis/go-redis/v9"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func TestRedisMirrorPublishesOnProjectChannel(t *testing.T) {
	pub := &fakePublisher{}
	m := NewRedisMirror(pub, "", 16, testLogger())
	m.Start(context.Background())

	hub := NewHub(testLogger(), WithMirror(m))
	hub.Publish("p1", "d1", "hello")
	hub.Finish("p1", "d1", "succeeded", "http://localhost:3000")
	m.Close()

	if len(pub.channels) != 2 {
		t.Fatalf("expected 2 publishes got %d", len(pub.channels))
	}
	if pub.channels[0] != "shipyard:deploy:p1" {
		t.Fatalf("unexpected channel %q", pub.channels[0])
	}
	var ev Event
	if err := json.Unmarshal(pub.payloads[1], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventFinished || ev.URL != "http://localhost:3000" {
		t.Fatalf("unexpected mirrored event %+v", ev)
	}
}

func TestRedisMirrorDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{}
	m := NewRedisMirror(pub, "x:", 1, testLogger())
	drops := 0
	m.OnDrop(func() { drops++ })

	// Not started: the queue fills after one event.
	m.Mirror(Event{ProjectID: "p"})
	m.Mirror(Event{ProjectID: "p"})
	m.Mirror(Event{ProjectID: "p"})
	if drops != 2 {
		t.Fatalf("expected 2 drops got %d", drops)
	}

	m.Start(context.Background())
	m.Close()
	if len(pub.channels) != 1 || pub.channels[0] != "x:p" {
		t.Fatalf("expected queued event flushed on close, got %v", pub.channels)
	}
	m.Mirror(Event{ProjectID: "p"})
	if drops != 2 {
		t.Fatalf("mirror after close should be ignored")
	}
}

func TestRedisMirrorSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	m := NewRedisMirror(pub, "", 4, testLogger())
	m.Start(context.Background())
	m.Mirror(Event{ProjectID: "p"})
	m.Close()
}
