// Package crdt holds a replicated, ordered list of page blocks and the
// ephemeral awareness table that travels next to it.
//
// Replicas converge by exchanging update frames. Inserts are placed after a
// left origin and ordered among concurrent siblings by their (clock, client)
// id, deletes leave tombstones, and block content is last-writer-wins by the
// same id order. Frames may arrive in any order and more than once.
package crdt

import (
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrIndexOutOfRange = errors.New("block index out of range")
	ErrMalformedUpdate = errors.New("malformed update frame")
)

// ID is a Lamport timestamp qualified by the replica that produced it.
type ID struct {
	Client string `bson:"c"`
	Clock  int64  `bson:"n"`
}

func (id ID) IsZero() bool {
	return id.Client == "" && id.Clock == 0
}

// after reports whether id orders after other.
func (id ID) after(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

type item struct {
	id      ID
	origin  ID
	value   json.RawMessage
	stamp   ID
	deleted bool
}

// Doc is one replica. It is safe for concurrent use.
type Doc struct {
	mu        sync.Mutex
	client    string
	clock     int64
	items     []*item
	index     map[ID]*item
	pending   []op
	observers map[int]func(update []byte, origin any)
	nextObs   int
}

// NewDoc creates an empty replica identified by client. Client ids must be
// unique among the replicas of a document.
func NewDoc(client string) *Doc {
	return &Doc{
		client:    client,
		index:     make(map[ID]*item),
		observers: make(map[int]func([]byte, any)),
	}
}

func (d *Doc) ClientID() string {
	return d.client
}

// Observe registers fn for every update applied to the replica, local or
// remote. fn receives the frame and the origin passed to Transact or
// ApplyUpdate. The returned func removes the observer.
func (d *Doc) Observe(fn func(update []byte, origin any)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.nextObs
	d.nextObs++
	d.observers[key] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, key)
	}
}

// Transact runs fn against the replica and emits the resulting frame to
// observers once fn returns. Edits made before fn returns an error are kept.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) ([]byte, error) {
	d.mu.Lock()
	tx := &Txn{doc: d}
	fnErr := fn(tx)
	var update []byte
	var err error
	if len(tx.ops) > 0 {
		update, err = encodeOps(tx.ops)
	}
	observers := d.observerList()
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if update != nil {
		for _, observe := range observers {
			observe(update, origin)
		}
	}
	return update, fnErr
}

// ApplyUpdate merges a frame produced by another replica. Operations whose
// dependencies have not arrived yet are held until they do. Observers are
// notified only when the frame changed something.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := false
	for _, o := range ops {
		if d.integrate(o) {
			changed = true
		}
	}
	if d.drainPending() {
		changed = true
	}
	var observers []func([]byte, any)
	if changed {
		observers = d.observerList()
	}
	d.mu.Unlock()

	for _, observe := range observers {
		observe(update, origin)
	}
	return nil
}

// EncodeStateAsUpdate returns a frame that brings an empty replica to the
// current state of d, tombstones included.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ops := make([]op, 0, len(d.items)+len(d.pending))
	for _, it := range d.items {
		ops = append(ops, op{Kind: opInsert, ID: it.id, Origin: it.origin, Value: it.value})
		if it.stamp != it.id {
			ops = append(ops, op{Kind: opSet, ID: it.stamp, Target: it.id, Value: it.value})
		}
		if it.deleted {
			ops = append(ops, op{Kind: opDelete, Target: it.id})
		}
	}
	ops = append(ops, d.pending...)
	return encodeOps(ops)
}

// Blocks returns the visible blocks in document order.
func (d *Doc) Blocks() []json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	blocks := make([]json.RawMessage, 0, len(d.items))
	for _, it := range d.items {
		if !it.deleted {
			blocks = append(blocks, append(json.RawMessage(nil), it.value...))
		}
	}
	return blocks
}

// Len is the number of visible blocks.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLen()
}

// MarshalJSON renders the visible blocks as a JSON array.
func (d *Doc) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Blocks())
}

// PendingLen reports operations waiting on missing dependencies.
func (d *Doc) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Doc) observerList() []func([]byte, any) {
	list := make([]func([]byte, any), 0, len(d.observers))
	for _, fn := range d.observers {
		list = append(list, fn)
	}
	return list
}

func (d *Doc) tick() ID {
	d.clock++
	return ID{Client: d.client, Clock: d.clock}
}

func (d *Doc) witness(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

func (d *Doc) visibleLen() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// visibleAt returns the position in items of the index-th visible block.
func (d *Doc) visibleAt(index int) (int, bool) {
	if index < 0 {
		return 0, false
	}
	seen := 0
	for pos, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == index {
			return pos, true
		}
		seen++
	}
	return 0, false
}

func (d *Doc) positionOf(id ID) int {
	for pos, it := range d.items {
		if it.id == id {
			return pos
		}
	}
	return -1
}

// integrate applies o if its dependencies are present, queues it otherwise,
// and reports whether the replica changed.
func (d *Doc) integrate(o op) bool {
	switch o.Kind {
	case opInsert:
		if _, ok := d.index[o.ID]; ok {
			return false
		}
		if !o.Origin.IsZero() {
			if _, ok := d.index[o.Origin]; !ok {
				d.hold(o)
				return false
			}
		}
		d.insertItem(&item{id: o.ID, origin: o.Origin, value: o.Value, stamp: o.ID})
		d.witness(o.ID)
		return true
	case opDelete:
		target, ok := d.index[o.Target]
		if !ok {
			d.hold(o)
			return false
		}
		if target.deleted {
			return false
		}
		target.deleted = true
		return true
	case opSet:
		target, ok := d.index[o.Target]
		if !ok {
			d.hold(o)
			return false
		}
		d.witness(o.ID)
		if !o.ID.after(target.stamp) {
			return false
		}
		target.stamp = o.ID
		target.value = o.Value
		return true
	default:
		return false
	}
}

// hold queues o until its dependency arrives, ignoring exact duplicates.
func (d *Doc) hold(o op) {
	for _, queued := range d.pending {
		if queued.Kind == o.Kind && queued.ID == o.ID && queued.Target == o.Target {
			return
		}
	}
	d.pending = append(d.pending, o)
}

// insertItem places it right of its origin, skipping concurrent siblings and
// their descendants that order after it.
func (d *Doc) insertItem(it *item) {
	pos := 0
	if !it.origin.IsZero() {
		pos = d.positionOf(it.origin) + 1
	}
	for pos < len(d.items) && d.items[pos].id.after(it.id) {
		pos++
	}
	d.items = append(d.items, nil)
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = it
	d.index[it.id] = it
}

func (d *Doc) drainPending() bool {
	changed := false
	for {
		if len(d.pending) == 0 {
			return changed
		}
		queued := d.pending
		d.pending = nil
		progress := false
		for _, o := range queued {
			before := len(d.pending)
			if d.integrate(o) {
				changed = true
			}
			if len(d.pending) == before {
				progress = true
			}
		}
		if !progress {
			return changed
		}
	}
}

// Txn is the handle passed to Transact. Indexes address visible blocks.
type Txn struct {
	doc *Doc
	ops []op
}

// Insert places block so that it becomes the index-th visible block.
func (t *Txn) Insert(index int, block json.RawMessage) (ID, error) {
	d := t.doc
	if index < 0 || index > d.visibleLen() {
		return ID{}, ErrIndexOutOfRange
	}
	var origin ID
	if index > 0 {
		pos, _ := d.visibleAt(index - 1)
		origin = d.items[pos].id
	}
	o := op{Kind: opInsert, ID: d.tick(), Origin: origin, Value: cloneRaw(block)}
	d.integrate(o)
	t.ops = append(t.ops, o)
	return o.ID, nil
}

func (t *Txn) Append(block json.RawMessage) (ID, error) {
	return t.Insert(t.doc.visibleLen(), block)
}

// Update replaces the content of the index-th visible block.
func (t *Txn) Update(index int, block json.RawMessage) error {
	d := t.doc
	pos, ok := d.visibleAt(index)
	if !ok {
		return ErrIndexOutOfRange
	}
	o := op{Kind: opSet, ID: d.tick(), Target: d.items[pos].id, Value: cloneRaw(block)}
	d.integrate(o)
	t.ops = append(t.ops, o)
	return nil
}

func (t *Txn) Delete(index int) error {
	d := t.doc
	pos, ok := d.visibleAt(index)
	if !ok {
		return ErrIndexOutOfRange
	}
	o := op{Kind: opDelete, Target: d.items[pos].id}
	d.integrate(o)
	t.ops = append(t.ops, o)
	return nil
}

// Len is the number of visible blocks as seen inside the transaction.
func (t *Txn) Len() int {
	return t.doc.visibleLen()
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), value...)
}

// importClient is the replica id used to convert a stored block list into
// replica state. Every node produces identical operations for the same list,
// so imports made on different nodes merge without duplicating blocks.
const importClient = "import"

// SeedFromBlocks returns the state of a replica holding blocks in order.
func SeedFromBlocks(blocks []json.RawMessage) ([]byte, error) {
	doc := NewDoc(importClient)
	if _, err := doc.Transact(nil, func(tx *Txn) error {
		for _, block := range blocks {
			if _, err := tx.Append(block); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return doc.EncodeStateAsUpdate()
}
