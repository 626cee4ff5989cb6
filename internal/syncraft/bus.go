package syncraft

import (
	"context"
	"sync"
)

type MessageClass string

const (
	ClassUpdate   MessageClass = "update"
	ClassPresence MessageClass = "presence"
)

// Message is the envelope carried by the broadcast bus. Delta and presence
// payloads are opaque; the envelope carries the document id for them.
type Message struct {
	DocID   string
	Class   MessageClass
	Payload []byte
	// Origin is the connection id (or agent id) that produced the
	// message. Subscribers use it to skip echoing a session's own
	// messages back to it; re-merging them anyway is harmless.
	Origin string
}

type Handler func(Message)

// Bus fans a message out to every subscriber of a document: local
// subscribers synchronously, and sibling processes through a relay when
// one is configured. Delivery is at-least-once and unordered across
// processes.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(docID string, h Handler) (unsubscribe func(), err error)
	Close() error
}

// LocalBus is the in-process Bus. It is the complete implementation for
// single-process deployments and the local half of the Redis relay.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[string]map[uint64]Handler{}}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	if msg.DocID == "" {
		return ErrInvalidInput
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[msg.DocID]))
	for _, h := range b.subs[msg.DocID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(docID string, h Handler) (func(), error) {
	if docID == "" || h == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrNotSubscribed
	}
	b.nextID++
	id := b.nextID
	if b.subs[docID] == nil {
		b.subs[docID] = map[uint64]Handler{}
	}
	b.subs[docID][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subs[docID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, docID)
			}
		}
	}, nil
}

// SubscriberCount reports local subscribers for a document.
func (b *LocalBus) SubscriberCount(docID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[docID])
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[string]map[uint64]Handler{}
	return nil
}
