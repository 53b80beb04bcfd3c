package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const EventChildRemoved = "child_removed"

// Event is a structural change below a document node.
type Event struct {
	Type  string `json:"type"`
	Path  string `json:"path"`
	Child string `json:"child"`
}

// Subscription delivers the structural events of one conversation until
// Close is called.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts listening for events on convID. The subscription is
// confirmed by the server before Subscribe returns, so no event published
// afterwards is missed.
func (s *RedisStore) Subscribe(ctx context.Context, convID string) (*Subscription, error) {
	if convID == "" {
		return nil, ErrInvalidID
	}
	pubsub := s.client.Subscribe(ctx, s.eventsChannel(convID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("docstore: subscribe %s: %w", convID, err)
	}
	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	go sub.run(pubsub.Channel())
	return sub, nil
}

func (sub *Subscription) run(messages <-chan *redis.Message) {
	defer close(sub.events)
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case sub.events <- event:
			case <-sub.done:
				return
			}
		}
	}
}

// Events is closed after Close.
func (sub *Subscription) Events() <-chan Event {
	return sub.events
}

func (sub *Subscription) Close() error {
	var err error
	sub.once.Do(func() {
		close(sub.done)
		err = sub.pubsub.Close()
	})
	return err
}
