package syncraft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultPresenceTTL = 30 * time.Second

// presenceSchema bounds what clients may broadcast as awareness state.
// Invalid payloads are rejected at the boundary instead of fanning out.
const presenceSchema = `{
	"type": "object",
	"properties": {
		"user": {
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"color": {"type": "string", "pattern": "^#[0-9a-f]{6}$"}
			},
			"required": ["name"]
		},
		"cursor": {
			"type": "object",
			"properties": {
				"anchor": {"type": "integer", "minimum": 0},
				"head": {"type": "integer", "minimum": 0}
			}
		}
	},
	"required": ["user"]
}`

type presenceEntry struct {
	payload   json.RawMessage
	updatedAt time.Time
}

// PresenceTracker holds per-connection awareness state per document.
// Entries are never persisted and expire when not re-asserted within the
// TTL, which covers clients that vanish without a disconnect.
type PresenceTracker struct {
	ttl    time.Duration
	schema *jsonschema.Schema
	now    func() time.Time

	mu   sync.Mutex
	docs map[string]map[string]presenceEntry

	stopOnce sync.Once
	stop     chan struct{}
}

func NewPresenceTracker(ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	t := &PresenceTracker{
		ttl:    ttl,
		schema: compilePresenceSchema(),
		now:    time.Now,
		docs:   map[string]map[string]presenceEntry{},
		stop:   make(chan struct{}),
	}
	go t.sweep()
	return t
}

func compilePresenceSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(presenceSchema))
	if err != nil {
		panic(fmt.Sprintf("presence schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("presence.json", doc); err != nil {
		panic(fmt.Sprintf("presence schema: %v", err))
	}
	schema, err := compiler.Compile("presence.json")
	if err != nil {
		panic(fmt.Sprintf("presence schema: %v", err))
	}
	return schema
}

// SetPresence validates and records a connection's awareness payload.
func (t *PresenceTracker) SetPresence(docID, connID string, payload []byte) error {
	if docID == "" || connID == "" {
		return ErrInvalidInput
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := t.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.docs[docID] == nil {
		t.docs[docID] = map[string]presenceEntry{}
	}
	t.docs[docID][connID] = presenceEntry{
		payload:   append(json.RawMessage(nil), payload...),
		updatedAt: t.now(),
	}
	return nil
}

// GetPresence returns the live awareness payloads for a document. Expired
// entries are excluded even if the sweeper has not collected them yet.
func (t *PresenceTracker) GetPresence(docID string) map[string]json.RawMessage {
	deadline := t.now().Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]json.RawMessage, len(t.docs[docID]))
	for connID, entry := range t.docs[docID] {
		if entry.updatedAt.Before(deadline) {
			continue
		}
		out[connID] = append(json.RawMessage(nil), entry.payload...)
	}
	return out
}

// ClearPresence drops a connection's entry, normally on disconnect.
func (t *PresenceTracker) ClearPresence(docID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.docs[docID]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(t.docs, docID)
		}
	}
}

func (t *PresenceTracker) sweep() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			deadline := t.now().Add(-t.ttl)
			t.mu.Lock()
			for docID, entries := range t.docs {
				for connID, entry := range entries {
					if entry.updatedAt.Before(deadline) {
						delete(entries, connID)
					}
				}
				if len(entries) == 0 {
					delete(t.docs, docID)
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *PresenceTracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// DisplayColor maps a stable identity string to a display color. The
// algorithm is fixed: FNV-1a 32-bit over the identity, each RGB channel
// taken from one hash byte and folded into 0x40..0xff so names stay
// readable on white. Every client must produce identical output for the
// same identity.
func DisplayColor(identity string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	sum := h.Sum32()
	r := 0x40 + byte(sum>>16)%0xc0
	g := 0x40 + byte(sum>>8)%0xc0
	b := 0x40 + byte(sum)%0xc0
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}
