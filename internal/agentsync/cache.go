package agentsync

import (
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketReplicas = []byte("replicas")
	bucketAgent    = []byte("agent")
	keyAgentID     = []byte("id")
)

// Cache is the agent's durable replica store. Each document's canonical
// encoded state lives under its id in the replicas bucket, so an agent
// restarted offline still has its last known content and its own
// unacknowledged operations.
type Cache struct {
	db *bolt.DB
}

func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketReplicas); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAgent)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// AgentID returns this cache's stable agent identity, minting one on
// first use. The identity seeds the replica's site id, so it must not
// change between runs while cached operations exist.
func (c *Cache) AgentID() (string, error) {
	var id string
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgent)
		if existing := b.Get(keyAgentID); existing != nil {
			id = string(existing)
			return nil
		}
		id = uuid.NewString()
		return b.Put(keyAgentID, []byte(id))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// LoadReplica returns the cached state for a document, nil when absent.
func (c *Cache) LoadReplica(docID string) ([]byte, error) {
	var state []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketReplicas).Get([]byte(docID)); v != nil {
			state = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Cache) SaveReplica(docID string, state []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicas).Put([]byte(docID), state)
	})
}

func (c *Cache) Close() error {
	return c.db.Close()
}
