package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Txn is a local transaction. It is only valid inside the function passed
// to Transact.
type Txn struct {
	doc     *Document
	undo    []func()
	changed bool
}

// Transact runs fn as one atomic local change. Other readers and writers
// are blocked until fn returns. If fn returns an error every write it made
// is rolled back and no observer is notified; otherwise observers run once,
// after the document is unlocked.
func (d *Document) Transact(fn func(tx *Txn) error) error {
	d.mu.Lock()
	startClock := d.clock
	tx := &Txn{doc: d}

	err := fn(tx)
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		d.clock = startClock
	}
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if tx.changed {
		d.notify(Event{Local: true})
	}
	return nil
}

// Text reads a text register, including writes made earlier in this
// transaction.
func (tx *Txn) Text(name string) string {
	return tx.doc.texts[name].value
}

// SetText overwrites a text register. Writing the current value is a no-op.
func (tx *Txn) SetText(name, value string) error {
	if name == "" {
		return ErrEmptyName
	}
	d := tx.doc
	prev, existed := d.texts[name]
	if existed && prev.value == value {
		return nil
	}

	stamp, err := d.tick()
	if err != nil {
		return err
	}
	d.texts[name] = register{value: value, stamp: stamp}
	tx.changed = true
	tx.undo = append(tx.undo, func() {
		if existed {
			d.texts[name] = prev
		} else {
			delete(d.texts, name)
		}
	})
	return nil
}

// Len returns the number of live items in a sequence.
func (tx *Txn) Len(name string) int {
	s, ok := tx.doc.lists[name]
	if !ok {
		return 0
	}
	return len(s.live())
}

// Append encodes v and adds it to the end of a sequence.
func (tx *Txn) Append(name string, v any) error {
	if name == "" {
		return ErrEmptyName
	}
	raw, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("crdt: encode %s item: %w", name, err)
	}

	d := tx.doc
	id, err := d.tick()
	if err != nil {
		return err
	}
	_, existed := d.lists[name]
	s := d.list(name)
	s.insert(id, cbor.RawMessage(raw))
	tx.changed = true
	tx.undo = append(tx.undo, func() {
		delete(s.items, id)
		s.order = nil
		if !existed {
			delete(d.lists, name)
		}
	})
	return nil
}

// DeleteRange removes count live items starting at index.
func (tx *Txn) DeleteRange(name string, index, count int) error {
	if count == 0 {
		return nil
	}
	d := tx.doc
	s, ok := d.lists[name]
	if !ok {
		return fmt.Errorf("%w: delete %d..%d of empty %q", ErrIndexOutOfRange, index, index+count, name)
	}
	ids := s.live()
	if index < 0 || count < 0 || index+count > len(ids) {
		return fmt.Errorf("%w: delete %d..%d of %d items in %q", ErrIndexOutOfRange, index, index+count, len(ids), name)
	}

	victims := append([]ID(nil), ids[index:index+count]...)
	saved := make(map[ID]cbor.RawMessage, len(victims))
	for _, id := range victims {
		saved[id] = s.items[id]
		s.remove(id)
	}
	tx.changed = true
	tx.undo = append(tx.undo, func() {
		for id, v := range saved {
			delete(s.deleted, id)
			s.items[id] = v
		}
		s.order = nil
	})
	return nil
}
