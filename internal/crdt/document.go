package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ID identifies one write: a Lamport clock and the site (replica) that made
// it. IDs are totally ordered by Clock, then Site.
type ID struct {
	Clock uint64 `cbor:"c"`
	Site  string `cbor:"s"`
}

// Less reports whether a sorts before b.
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

// MaxClock is the largest Lamport clock a replica accepts or mints. It fits
// a float64 exactly so JavaScript peers can carry it too.
const MaxClock uint64 = 1 << 53

func (a ID) valid() bool {
	return a.Clock > 0 && a.Clock <= MaxClock && a.Site != ""
}

func (a ID) String() string {
	return fmt.Sprintf("%d@%s", a.Clock, a.Site)
}

// StateVector maps a site to the highest clock seen from it.
type StateVector map[string]uint64

// Event is delivered to observers after a committed change.
type Event struct {
	// Local is true for changes made through Transact on this replica and
	// false for merged update blocks.
	Local bool
}

type register struct {
	value string
	stamp ID
}

// sequence is an append-ordered list with tombstones. Live order is the ID
// order of the items that have not been deleted.
type sequence struct {
	items   map[ID]cbor.RawMessage
	deleted map[ID]struct{}
	order   []ID
}

func newSequence() *sequence {
	return &sequence{
		items:   make(map[ID]cbor.RawMessage),
		deleted: make(map[ID]struct{}),
	}
}

func (s *sequence) live() []ID {
	if s.order == nil {
		ids := make([]ID, 0, len(s.items))
		for id := range s.items {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
		s.order = ids
	}
	return s.order
}

func (s *sequence) insert(id ID, v cbor.RawMessage) bool {
	if _, gone := s.deleted[id]; gone {
		return false
	}
	if _, ok := s.items[id]; ok {
		return false
	}
	s.items[id] = v
	s.order = nil
	return true
}

func (s *sequence) remove(id ID) bool {
	if _, gone := s.deleted[id]; gone {
		return false
	}
	s.deleted[id] = struct{}{}
	delete(s.items, id)
	s.order = nil
	return true
}

// Document is one replica of the shared state: named text registers
// (last writer wins) and named append sequences. All methods are safe for
// concurrent use.
type Document struct {
	site              string
	compressThreshold int

	mu    sync.RWMutex
	clock uint64
	texts map[string]register
	lists map[string]*sequence

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

// Option configures a Document.
type Option func(*Document)

// WithCompressThreshold sets the encoded size above which blocks are
// compressed. Zero or negative disables compression.
func WithCompressThreshold(n int) Option {
	return func(d *Document) {
		d.compressThreshold = n
	}
}

// New creates an empty document. An empty site gets a random one.
func New(site string, opts ...Option) *Document {
	if site == "" {
		site = uuid.NewString()
	}
	d := &Document{
		site:              site,
		compressThreshold: DefaultCompressThreshold,
		texts:             make(map[string]register),
		lists:             make(map[string]*sequence),
		observers:         make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Site returns the replica id used to stamp local writes.
func (d *Document) Site() string {
	return d.site
}

// Text returns the current value of a text register ("" when unset).
func (d *Document) Text(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.texts[name].value
}

// Len returns the number of live items in a sequence.
func (d *Document) Len(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.lists[name]
	if !ok {
		return 0
	}
	return len(s.live())
}

// Values returns copies of the encoded live items of a sequence in order.
// Decode each one with Unmarshal.
func (d *Document) Values(name string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.lists[name]
	if !ok {
		return nil
	}
	ids := s.live()
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = append([]byte(nil), s.items[id]...)
	}
	return out
}

// EncodeFull encodes the whole document as a self-contained block.
func (d *Document) EncodeFull() ([]byte, error) {
	return d.encode(nil)
}

// EncodeDiffSince encodes the writes the holder of sv has not seen. All
// tombstones are always included.
func (d *Document) EncodeDiffSince(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return d.encode(sv)
}

func (d *Document) encode(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	st := d.snapshotLocked(sv)
	d.mu.Unlock()
	return encodeBlock(st, d.compressThreshold)
}

func (d *Document) snapshotLocked(sv StateVector) *wireState {
	unseen := func(id ID) bool {
		return sv == nil || id.Clock > sv[id.Site]
	}

	st := &wireState{}
	for name, reg := range d.texts {
		if !unseen(reg.stamp) {
			continue
		}
		if st.Texts == nil {
			st.Texts = make(map[string]wireRegister)
		}
		st.Texts[name] = wireRegister{Value: reg.value, Stamp: reg.stamp}
	}

	for name, s := range d.lists {
		var wl wireList
		for _, id := range s.live() {
			if unseen(id) {
				wl.Items = append(wl.Items, wireItem{ID: id, Value: s.items[id]})
			}
		}
		if len(s.deleted) > 0 {
			wl.Deleted = make([]ID, 0, len(s.deleted))
			for id := range s.deleted {
				wl.Deleted = append(wl.Deleted, id)
			}
			sort.Slice(wl.Deleted, func(i, j int) bool { return wl.Deleted[i].Less(wl.Deleted[j]) })
		}
		if len(wl.Items) == 0 && len(wl.Deleted) == 0 {
			continue
		}
		if st.Lists == nil {
			st.Lists = make(map[string]wireList)
		}
		st.Lists[name] = wl
	}
	return st
}

// StateVector returns the highest clock seen per site.
func (d *Document) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sv := StateVector{}
	see := func(id ID) {
		if id.Clock > sv[id.Site] {
			sv[id.Site] = id.Clock
		}
	}
	for _, reg := range d.texts {
		see(reg.stamp)
	}
	for _, s := range d.lists {
		for id := range s.items {
			see(id)
		}
		for id := range s.deleted {
			see(id)
		}
	}
	return sv
}

// ApplyUpdate merges a block produced by any replica. The block is fully
// decoded before the document is touched, so a malformed block changes
// nothing and returns a *DecodeError. changed reports whether the merge
// altered the document.
func (d *Document) ApplyUpdate(block []byte) (changed bool, err error) {
	st, err := decodeBlock(block)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	changed = d.mergeLocked(st)
	d.mu.Unlock()

	if changed {
		d.notify(Event{Local: false})
	}
	return changed, nil
}

func (d *Document) mergeLocked(st *wireState) bool {
	changed := false
	for name, wr := range st.Texts {
		d.witness(wr.Stamp)
		cur, ok := d.texts[name]
		if !ok || cur.stamp.Less(wr.Stamp) {
			d.texts[name] = register{value: wr.Value, stamp: wr.Stamp}
			changed = true
		}
	}

	for name, wl := range st.Lists {
		if len(wl.Items) == 0 && len(wl.Deleted) == 0 {
			continue
		}
		s := d.list(name)
		for _, id := range wl.Deleted {
			d.witness(id)
			if s.remove(id) {
				changed = true
			}
		}
		for _, it := range wl.Items {
			d.witness(it.ID)
			if s.insert(it.ID, append(cbor.RawMessage(nil), it.Value...)) {
				changed = true
			}
		}
	}
	return changed
}

// witness advances the Lamport clock past a remote write.
func (d *Document) witness(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

// tick stamps a local write. Remote clocks are capped at MaxClock on decode,
// so d.clock never exceeds it.
func (d *Document) tick() (ID, error) {
	if d.clock >= MaxClock {
		return ID{}, ErrClockExhausted
	}
	d.clock++
	return ID{Clock: d.clock, Site: d.site}, nil
}

func (d *Document) list(name string) *sequence {
	s, ok := d.lists[name]
	if !ok {
		s = newSequence()
		d.lists[name] = s
	}
	return s
}

// Observe registers fn to run synchronously after every committed change.
// The returned function removes it.
func (d *Document) Observe(fn func(Event)) (cancel func()) {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Document) notify(ev Event) {
	d.obsMu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
