package syncraft

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "syncraft:doc:"

// relayEnvelope is the cross-process wire format. Process identifies the
// publishing server instance so each instance can filter its own relayed
// messages instead of re-merging them.
type relayEnvelope struct {
	Process string       `json:"process"`
	Origin  string       `json:"origin"`
	Class   MessageClass `json:"class"`
	Payload []byte       `json:"payload"`
}

// RedisBus extends LocalBus fan-out across processes through Redis
// pub/sub, one channel per document id. Presence publish failures are the
// caller's to ignore; update publishes surface errors for retry.
type RedisBus struct {
	local     *LocalBus
	rdb       *redis.Client
	processID string

	mu       sync.Mutex
	pubsub   *redis.PubSub
	refs     map[string]int
	cancel   context.CancelFunc
	started  bool
	closeOne sync.Once
	closedCh chan struct{}
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{
		local:     NewLocalBus(),
		rdb:       rdb,
		processID: uuid.NewString(),
		refs:      map[string]int{},
		closedCh:  make(chan struct{}),
	}
}

func channelKey(docID string) string { return redisChannelPrefix + docID }

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	if err := b.local.Publish(ctx, msg); err != nil {
		return err
	}
	env := relayEnvelope{
		Process: b.processID,
		Origin:  msg.Origin,
		Class:   msg.Class,
		Payload: msg.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelKey(msg.DocID), data).Err()
}

func (b *RedisBus) Subscribe(docID string, h Handler) (func(), error) {
	unsubLocal, err := b.local.Subscribe(docID, h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.pubsub == nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.pubsub = b.rdb.Subscribe(ctx)
	}
	b.refs[docID]++
	first := b.refs[docID] == 1
	pubsub := b.pubsub
	if !b.started {
		b.started = true
		go b.reader(pubsub)
	}
	b.mu.Unlock()
	if first {
		if err := pubsub.Subscribe(context.Background(), channelKey(docID)); err != nil {
			unsubLocal()
			b.release(docID)
			return nil, err
		}
	}
	return func() {
		unsubLocal()
		b.release(docID)
	}, nil
}

func (b *RedisBus) release(docID string) {
	b.mu.Lock()
	b.refs[docID]--
	last := b.refs[docID] <= 0
	if last {
		delete(b.refs, docID)
	}
	pubsub := b.pubsub
	b.mu.Unlock()
	if last && pubsub != nil {
		if err := pubsub.Unsubscribe(context.Background(), channelKey(docID)); err != nil {
			log.Printf("redis unsubscribe %s: %v", docID, err)
		}
	}
}

func (b *RedisBus) reader(pubsub *redis.PubSub) {
	for {
		select {
		case <-b.closedCh:
			return
		case m, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Printf("relay: dropping malformed envelope on %s: %v", m.Channel, err)
				continue
			}
			if env.Process == b.processID {
				continue // self-delivery; local fan-out already ran
			}
			docID := m.Channel[len(redisChannelPrefix):]
			_ = b.local.Publish(context.Background(), Message{
				DocID:   docID,
				Class:   env.Class,
				Payload: env.Payload,
				Origin:  env.Origin,
			})
		}
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	cancel := b.cancel
	b.mu.Unlock()
	b.closeOne.Do(func() { close(b.closedCh) })
	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	return b.local.Close()
}
