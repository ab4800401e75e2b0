package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Heartbeater is implemented by subscribers that can send keep-alives.
type Heartbeater interface {
	Heartbeat() error
}

// ServeOptions tunes Serve.
type ServeOptions struct {
	// Heartbeat is the keep-alive interval; zero disables keep-alives.
	Heartbeat time.Duration
	// Once stops after the first finished event instead of following the
	// project's next deployment.
	Once bool
}

// Serve forwards projectID's live events to sub as JSON until ctx is done or
// a send fails. After a finished event it re-subscribes unless opts.Once.
func Serve(ctx context.Context, hub *Hub, projectID string, sub Subscriber, opts ServeOptions) error {
	var beat <-chan time.Time
	if _, ok := sub.(Heartbeater); ok && opts.Heartbeat > 0 {
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}
	for {
		s := hub.Subscribe(projectID)
		err := forward(ctx, s, sub, beat)
		s.Close()
		if err != nil {
			return err
		}
		if opts.Once {
			return nil
		}
	}
}

func forward(ctx context.Context, s *Subscription, sub Subscriber, beat <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beat:
			if hb, ok := sub.(Heartbeater); ok {
				if err := hb.Heartbeat(); err != nil {
					return fmt.Errorf("heartbeat: %w", err)
				}
			}
		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if err := sub.Send(payload); err != nil {
				return fmt.Errorf("send event: %w", err)
			}
		}
	}
}
