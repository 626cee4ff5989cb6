// Package crdt implements the conflict-free replicated sequence that backs
// collaborative documents. The service treats the engine as pluggable: any
// implementation of Doc that satisfies convergence and idempotent merge can
// be substituted via Engine. The built-in engine is an RGA (Replicated
// Growable Array) over runes with tombstone deletes.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrBadUpdate = errors.New("malformed update payload")
	ErrBadState  = errors.New("malformed state payload")
	ErrRange     = errors.New("index out of range")
)

// ID identifies a single operation. Seq values are contiguous per site.
type ID struct {
	Site uint64
	Seq  uint64
}

func (id ID) isZero() bool { return id.Site == 0 && id.Seq == 0 }

// StateVector summarizes which operations a replica has applied:
// for each site, the highest contiguous sequence number seen.
type StateVector map[uint64]uint64

// Covers reports whether v has applied at least everything in other.
func (v StateVector) Covers(other StateVector) bool {
	for site, seq := range other {
		if v[site] < seq {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for site, seq := range v {
		out[site] = seq
	}
	return out
}

// Encode serializes the vector as sorted (site, seq) uvarint pairs.
func (v StateVector) Encode() []byte {
	sites := make([]uint64, 0, len(v))
	for site := range v {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	buf := binary.AppendUvarint(nil, uint64(len(sites)))
	for _, site := range sites {
		buf = binary.AppendUvarint(buf, site)
		buf = binary.AppendUvarint(buf, v[site])
	}
	return buf
}

// DecodeStateVector is the inverse of StateVector.Encode.
func DecodeStateVector(data []byte) (StateVector, error) {
	r := &byteReader{data: data}
	n, err := r.uvarint()
	if err != nil {
		return nil, ErrBadState
	}
	out := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		site, err := r.uvarint()
		if err != nil {
			return nil, ErrBadState
		}
		seq, err := r.uvarint()
		if err != nil {
			return nil, ErrBadState
		}
		if seq > 0 {
			out[site] = seq
		}
	}
	if !r.done() {
		return nil, ErrBadState
	}
	return out, nil
}

// Doc is one replica of a collaborative document. Implementations must be
// safe for concurrent use, apply updates idempotently, and converge to the
// same canonical encoding regardless of delivery order or duplication.
type Doc interface {
	// ApplyUpdate merges a delta produced by any replica of the same
	// document. Reapplying a delta is a no-op.
	ApplyUpdate(delta []byte) error
	// Update returns the minimal delta containing every operation this
	// replica has applied that is not covered by since. A nil or empty
	// vector yields the full state.
	Update(since StateVector) []byte
	// EncodeState returns the canonical full serialization. Two converged
	// replicas produce byte-identical output.
	EncodeState() []byte
	StateVector() StateVector
	// PendingOps reports operations received but not yet applied because
	// a dependency is missing. A persistently nonzero value means the
	// stream feeding this replica has a gap; a state-vector exchange
	// with any peer that has the missing operations closes it.
	PendingOps() int
	Text() string
	Len() int
	// InsertAt and DeleteAt apply a local edit and return the delta to
	// broadcast to other replicas.
	InsertAt(index int, text string) ([]byte, error)
	DeleteAt(index, count int) ([]byte, error)
	// ReplaceAll atomically clears the document and inserts text as new
	// content, returning a single delta. No intermediate state is
	// observable through Text or EncodeState.
	ReplaceAll(text string) ([]byte, error)
}

// Engine creates and decodes document replicas.
type Engine interface {
	New(site uint64) Doc
	// Decode hydrates a replica from a canonical state produced by
	// EncodeState. site is the identity this replica will use for local
	// edits and must not collide with another live writer.
	Decode(site uint64, state []byte) (Doc, error)
}

type rgaEngine struct{}

// DefaultEngine returns the built-in RGA engine.
func DefaultEngine() Engine { return rgaEngine{} }

func (rgaEngine) New(site uint64) Doc { return newRGADoc(site) }

func (rgaEngine) Decode(site uint64, state []byte) (Doc, error) {
	doc := newRGADoc(site)
	if len(state) == 0 {
		return doc, nil
	}
	if err := doc.ApplyUpdate(state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return doc, nil
}

type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return 0, ErrBadUpdate
	}
	r.off += n
	return v, nil
}

func (r *byteReader) done() bool { return r.off == len(r.data) }
