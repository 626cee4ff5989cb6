package crdt

import (
	"encoding/binary"
	"sort"
	"sync"
)

type opKind uint8

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// op is one replicated operation. Inserts reference the id of the rune
// they were typed after (zero = document head); deletes reference the id
// of the rune they tombstone.
type op struct {
	kind opKind
	id   ID
	ref  ID
	ch   rune
}

type node struct {
	id       ID
	ch       rune
	deleted  bool
	children []*node // descending (seq, site): later inserts sort first
}

type rgaDoc struct {
	mu      sync.RWMutex
	site    uint64
	root    *node
	nodes   map[ID]*node
	log     map[uint64][]op // per-site oplog, index seq-1
	pending []op
	cache   []*node // visible nodes in document order
	dirty   bool
}

func newRGADoc(site uint64) *rgaDoc {
	return &rgaDoc{
		site:  site,
		root:  &node{},
		nodes: map[ID]*node{},
		log:   map[uint64][]op{},
	}
}

func idLess(a, b ID) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Site < b.Site
}

// applyOp integrates a single operation. It returns true when the op is in
// the log afterwards (whether newly applied or a duplicate) and false when
// it must wait for a missing dependency.
func (d *rgaDoc) applyOp(o op) bool {
	siteLog := d.log[o.id.Site]
	if o.id.Seq == 0 {
		return true
	}
	if o.id.Seq <= uint64(len(siteLog)) {
		return true
	}
	if o.id.Seq != uint64(len(siteLog))+1 {
		return false
	}
	switch o.kind {
	case opInsert:
		parent := d.root
		if !o.ref.isZero() {
			parent = d.nodes[o.ref]
			if parent == nil {
				return false
			}
		}
		n := &node{id: o.id, ch: o.ch}
		idx := sort.Search(len(parent.children), func(i int) bool {
			return idLess(parent.children[i].id, o.id)
		})
		parent.children = append(parent.children, nil)
		copy(parent.children[idx+1:], parent.children[idx:])
		parent.children[idx] = n
		d.nodes[o.id] = n
	case opDelete:
		target := d.nodes[o.ref]
		if target == nil {
			return false
		}
		target.deleted = true
	default:
		return true
	}
	d.log[o.id.Site] = append(siteLog, o)
	d.dirty = true
	return true
}

// maxPendingOps caps the buffer of operations waiting on missing
// dependencies. Dropped pending ops are not lost for good: the state
// vector only covers applied operations, so any later state-vector
// exchange redelivers them. The cap just keeps a stream that never
// fills its gaps from growing the buffer without limit.
const maxPendingOps = 4096

// applyAll drains ops plus any previously pending ops to a fixpoint.
func (d *rgaDoc) applyAll(ops []op) {
	queue := append(ops, d.pending...)
	d.pending = nil
	for {
		progressed := false
		remaining := queue[:0]
		for _, o := range queue {
			if d.applyOp(o) {
				progressed = true
			} else {
				remaining = append(remaining, o)
			}
		}
		queue = remaining
		if !progressed || len(queue) == 0 {
			break
		}
	}
	if len(queue) > maxPendingOps {
		queue = queue[:maxPendingOps]
	}
	d.pending = append(d.pending, queue...)
}

// PendingOps reports how many received operations are buffered waiting on
// dependencies that have not arrived.
func (d *rgaDoc) PendingOps() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

func (d *rgaDoc) visible() []*node {
	if !d.dirty {
		return d.cache
	}
	d.cache = d.cache[:0]
	var walk func(n *node)
	walk = func(n *node) {
		if n != d.root && !n.deleted {
			d.cache = append(d.cache, n)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(d.root)
	d.dirty = false
	return d.cache
}

func (d *rgaDoc) nextLocalID(offset uint64) ID {
	return ID{Site: d.site, Seq: uint64(len(d.log[d.site])) + 1 + offset}
}

func (d *rgaDoc) ApplyUpdate(delta []byte) error {
	ops, err := decodeOps(delta)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyAll(ops)
	return nil
}

func (d *rgaDoc) Update(since StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeOps(since)
}

func (d *rgaDoc) EncodeState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeOps(nil)
}

func (d *rgaDoc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(StateVector, len(d.log))
	for site, siteLog := range d.log {
		if len(siteLog) > 0 {
			out[site] = uint64(len(siteLog))
		}
	}
	return out
}

func (d *rgaDoc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := d.visible()
	runes := make([]rune, len(nodes))
	for i, n := range nodes {
		runes[i] = n.ch
	}
	return string(runes)
}

func (d *rgaDoc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visible())
}

func (d *rgaDoc) InsertAt(index int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := d.visible()
	if index < 0 || index > len(nodes) {
		return nil, ErrRange
	}
	var ref ID
	if index > 0 {
		ref = nodes[index-1].id
	}
	ops := d.insertOpsLocked(ref, text, 0)
	d.applyAll(ops)
	return encodeOpList(ops), nil
}

func (d *rgaDoc) DeleteAt(index, count int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := d.visible()
	if index < 0 || count < 0 || index+count > len(nodes) {
		return nil, ErrRange
	}
	ops := make([]op, 0, count)
	for i := 0; i < count; i++ {
		ops = append(ops, op{
			kind: opDelete,
			id:   d.nextLocalID(uint64(i)),
			ref:  nodes[index+i].id,
		})
	}
	d.applyAll(ops)
	return encodeOpList(ops), nil
}

// ReplaceAll tombstones every visible rune and inserts text fresh, all under
// one lock acquisition so no reader observes the cleared intermediate state.
func (d *rgaDoc) ReplaceAll(text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := d.visible()
	ops := make([]op, 0, len(nodes)+len(text))
	for i, n := range nodes {
		ops = append(ops, op{
			kind: opDelete,
			id:   d.nextLocalID(uint64(i)),
			ref:  n.id,
		})
	}
	ops = append(ops, d.insertOpsLocked(ID{}, text, uint64(len(nodes)))...)
	d.applyAll(ops)
	return encodeOpList(ops), nil
}

func (d *rgaDoc) insertOpsLocked(ref ID, text string, seqOffset uint64) []op {
	ops := make([]op, 0, len(text))
	parent := ref
	i := uint64(0)
	for _, ch := range text {
		id := d.nextLocalID(seqOffset + i)
		ops = append(ops, op{kind: opInsert, id: id, ref: parent, ch: ch})
		parent = id
		i++
	}
	return ops
}

// encodeOps serializes every logged op not covered by since, ordered by
// (site, seq). The ordering is what makes EncodeState canonical: converged
// replicas hold the same op set and therefore emit identical bytes.
func (d *rgaDoc) encodeOps(since StateVector) []byte {
	sites := make([]uint64, 0, len(d.log))
	for site := range d.log {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	var ops []op
	for _, site := range sites {
		siteLog := d.log[site]
		from := uint64(0)
		if since != nil {
			from = since[site]
		}
		for seq := from; seq < uint64(len(siteLog)); seq++ {
			ops = append(ops, siteLog[seq])
		}
	}
	return encodeOpList(ops)
}

func encodeOpList(ops []op) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = binary.AppendUvarint(buf, o.id.Site)
		buf = binary.AppendUvarint(buf, o.id.Seq)
		buf = binary.AppendUvarint(buf, o.ref.Site)
		buf = binary.AppendUvarint(buf, o.ref.Seq)
		buf = binary.AppendUvarint(buf, uint64(uint32(o.ch)))
	}
	return buf
}

func decodeOps(data []byte) ([]op, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := &byteReader{data: data}
	count, err := r.uvarint()
	if err != nil {
		return nil, ErrBadUpdate
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		if r.off >= len(r.data) {
			return nil, ErrBadUpdate
		}
		kind := opKind(r.data[r.off])
		r.off++
		if kind != opInsert && kind != opDelete {
			return nil, ErrBadUpdate
		}
		var o op
		o.kind = kind
		if o.id.Site, err = r.uvarint(); err != nil {
			return nil, ErrBadUpdate
		}
		if o.id.Seq, err = r.uvarint(); err != nil {
			return nil, ErrBadUpdate
		}
		if o.ref.Site, err = r.uvarint(); err != nil {
			return nil, ErrBadUpdate
		}
		if o.ref.Seq, err = r.uvarint(); err != nil {
			return nil, ErrBadUpdate
		}
		chBits, err := r.uvarint()
		if err != nil {
			return nil, ErrBadUpdate
		}
		o.ch = rune(uint32(chBits))
		if o.id.Seq == 0 {
			return nil, ErrBadUpdate
		}
		if kind == opDelete && o.ref.isZero() {
			return nil, ErrBadUpdate
		}
		ops = append(ops, o)
	}
	if !r.done() {
		return nil, ErrBadUpdate
	}
	return ops, nil
}
