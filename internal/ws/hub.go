package ws

import (
	"log/slog"
	"sync"
	"time"
)

// EventType distinguishes streamed log lines from the terminal event.
type EventType string

const (
	EventLog      EventType = "log"
	EventFinished EventType = "finished"
)

// Event is one message on a project's live channel.
type Event struct {
	Type         EventType `json:"type"`
	ProjectID    string    `json:"project_id"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Line         string    `json:"line,omitempty"`
	Status       string    `json:"status,omitempty"`
	URL          string    `json:"url,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Mirror receives a copy of every published event. Implementations must not
// block.
type Mirror interface {
	Mirror(Event)
}

const defaultBuffer = 256

// Hub is a per-project topic registry. A topic exists from the first
// Subscribe until Finish or until its last subscriber leaves. Publishing never
// blocks: an event that does not fit a subscriber's buffer is dropped for
// that subscriber only. There is no replay for late subscribers.
type Hub struct {
	mu      sync.Mutex
	topics  map[string]map[*Subscription]struct{}
	buffer  int
	dropped func()
	mirror  Mirror
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets each subscriber's channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithDropHook is called once per event dropped for a slow subscriber.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.dropped = fn }
}

// WithMirror forwards every event to m.
func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
		log:    logger.With("component", "live"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription is one subscriber's view of a project topic.
type Subscription struct {
	hub       *Hub
	projectID string
	ch        chan Event
	closed    bool
}

// Events yields events in publish order. The channel is closed after the
// finished event or when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// ProjectID returns the subscribed project.
func (s *Subscription) ProjectID() string {
	return s.projectID
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Subscribe registers interest in projectID, creating its topic on demand.
func (h *Hub) Subscribe(projectID string) *Subscription {
	sub := &Subscription{hub: h, projectID: projectID, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	subs, ok := h.topics[projectID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[projectID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if subs, ok := h.topics[sub.projectID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.projectID)
		}
	}
}

// Publish emits a log line for deploymentID to every subscriber of projectID.
func (h *Hub) Publish(projectID, deploymentID, line string) {
	ev := Event{
		Type:         EventLog,
		ProjectID:    projectID,
		DeploymentID: deploymentID,
		Line:         line,
		Timestamp:    h.now(),
	}
	h.mu.Lock()
	for sub := range h.topics[projectID] {
		select {
		case sub.ch <- ev:
		default:
			if h.dropped != nil {
				h.dropped()
			}
		}
	}
	h.mu.Unlock()
	if h.mirror != nil {
		h.mirror.Mirror(ev)
	}
}

// Finish delivers exactly one finished event to every current subscriber of
// projectID, closes their channels and tears the topic down. When a buffer is
// full the oldest queued line is evicted to make room for the finished event.
func (h *Hub) Finish(projectID, deploymentID, status, url string) {
	ev := Event{
		Type:         EventFinished,
		ProjectID:    projectID,
		DeploymentID: deploymentID,
		Status:       status,
		URL:          url,
		Timestamp:    h.now(),
	}
	h.mu.Lock()
	subs := h.topics[projectID]
	delete(h.topics, projectID)
	for sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// Hub holds the only sender, so one receive frees a slot.
			select {
			case <-sub.ch:
				if h.dropped != nil {
					h.dropped()
				}
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
		sub.closed = true
		close(sub.ch)
	}
	h.mu.Unlock()
	if len(subs) > 0 {
		h.log.Debug("live topic finished", "project_id", projectID, "deployment_id", deploymentID, "subscribers", len(subs))
	}
	if h.mirror != nil {
		h.mirror.Mirror(ev)
	}
}

// Subscribers reports the number of live subscribers for projectID.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[projectID])
}

// Topics reports the number of live topics.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}
