package ws

import (
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining subscription")
		}
	}
}

func TestHubFanOutIdenticalSequences(t *testing.T) {
	hub := NewHub(testLogger())
	a := hub.Subscribe("p1")
	b := hub.Subscribe("p1")

	var wg sync.WaitGroup
	results := make([][]Event, 2)
	for i, sub := range []*Subscription{a, b} {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i] = drain(t, sub)
		}(i, sub)
	}

	for i := 0; i < 50; i++ {
		hub.Publish("p1", "d1", "line "+strconv.Itoa(i))
	}
	hub.Finish("p1", "d1", "succeeded", "http://localhost:3001")
	wg.Wait()

	for i, events := range results {
		if len(events) != 51 {
			t.Fatalf("subscriber %d: expected 51 events got %d", i, len(events))
		}
		finished := 0
		for j, ev := range events[:50] {
			if ev.Type != EventLog || ev.Line != "line "+strconv.Itoa(j) {
				t.Fatalf("subscriber %d: unexpected event %d: %+v", i, j, ev)
			}
		}
		for _, ev := range events {
			if ev.Type == EventFinished {
				finished++
			}
		}
		if finished != 1 {
			t.Fatalf("subscriber %d: expected exactly one finished event got %d", i, finished)
		}
		last := events[len(events)-1]
		if last.Type != EventFinished || last.Status != "succeeded" || last.URL != "http://localhost:3001" {
			t.Fatalf("subscriber %d: unexpected terminal event %+v", i, last)
		}
	}
	lines := func(evs []Event) []string {
		var out []string
		for _, ev := range evs {
			out = append(out, ev.Line)
		}
		return out
	}
	if !reflect.DeepEqual(lines(results[0]), lines(results[1])) {
		t.Fatalf("subscribers saw different sequences")
	}
	if hub.Topics() != 0 {
		t.Fatalf("expected topic torn down after finish, have %d", hub.Topics())
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	var dropped atomic.Int64
	hub := NewHub(testLogger(), WithBuffer(2), WithDropHook(func() { dropped.Add(1) }))
	slow := hub.Subscribe("p1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("p1", "d1", "x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	if dropped.Load() != 8 {
		t.Fatalf("expected 8 drops got %d", dropped.Load())
	}

	hub.Finish("p1", "d1", "failed", "")
	events := drain(t, slow)
	if len(events) != 2 {
		t.Fatalf("expected 2 buffered events got %d", len(events))
	}
	if events[1].Type != EventFinished || events[1].Status != "failed" {
		t.Fatalf("finished event must survive a full buffer, got %+v", events)
	}
}

func TestHubNoReplayForLateSubscribers(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Publish("p1", "d1", "before anyone listened")
	late := hub.Subscribe("p1")
	hub.Publish("p1", "d1", "after")
	hub.Finish("p1", "d1", "succeeded", "")

	events := drain(t, late)
	if len(events) != 2 || events[0].Line != "after" {
		t.Fatalf("unexpected events for late subscriber: %+v", events)
	}
}

func TestHubTopicsAreIsolatedAndTornDown(t *testing.T) {
	hub := NewHub(testLogger())
	a := hub.Subscribe("p1")
	b := hub.Subscribe("p2")
	if hub.Topics() != 2 {
		t.Fatalf("expected 2 topics got %d", hub.Topics())
	}

	hub.Publish("p2", "d2", "only p2")
	select {
	case ev := <-a.Events():
		t.Fatalf("p1 subscriber received %+v", ev)
	default:
	}

	a.Close()
	a.Close()
	if hub.Subscribers("p1") != 0 || hub.Topics() != 1 {
		t.Fatalf("expected p1 topic removed after last unsubscribe")
	}
	if _, ok := <-a.Events(); ok {
		t.Fatalf("closed subscription should yield a closed channel")
	}

	hub.Finish("p2", "d2", "succeeded", "")
	b.Close()
	if hub.Topics() != 0 {
		t.Fatalf("expected no topics left")
	}
}

type recordingMirror struct {
	mu     sync.Mutex
	events []Event
}

func (m *recordingMirror) Mirror(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func TestHubMirrorsEvents(t *testing.T) {
	mirror := &recordingMirror{}
	hub := NewHub(testLogger(), WithMirror(mirror))
	hub.Publish("p1", "d1", "hello")
	hub.Finish("p1", "d1", "succeeded", "u")

	if len(mirror.events) != 2 {
		t.Fatalf("expected 2 mirrored events got %d", len(mirror.events))
	}
	if mirror.events[1].Type != EventFinished {
		t.Fatalf("expected finished event mirrored, got %+v", mirror.events[1])
	}
}
