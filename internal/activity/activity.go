// Package activity keeps the shared, capped activity feed stored in a room
// document.
package activity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"realtime-sync/internal/crdt"
)

// ListName is the document sequence that holds the feed.
const ListName = "activities"

// MaxEntries is the number of entries the feed retains. Appending beyond it
// drops the oldest entries in the same transaction.
const MaxEntries = 50

type Type string

const (
	TypePageEdit   Type = "page_edit"
	TypePageCreate Type = "page_create"
	TypePageDelete Type = "page_delete"
	TypeCardMove   Type = "card_move"
	TypeCardCreate Type = "card_create"
	TypeCardDelete Type = "card_delete"
	TypeComment    Type = "comment"
	TypeUpdate     Type = "update"
)

// Entry is one feed item. Entries are immutable once appended.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserRole  string `json:"userRole,omitempty"`
	Type      Type   `json:"type"`
	Resource  string `json:"resource,omitempty"`
}

// Actor is the user an entry is attributed to.
type Actor struct {
	ID   string
	Name string
	Role string
}

// NewEntry builds an entry with a fresh id and the current time.
func NewEntry(actor Actor, typ Type, resource string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    actor.ID,
		UserName:  actor.Name,
		UserRole:  actor.Role,
		Type:      typ,
		Resource:  resource,
	}
}

// Append pushes e and trims the feed back to MaxEntries inside tx, so no
// observer ever sees more than MaxEntries entries from a local append.
func Append(tx *crdt.Txn, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("activity: entry has no id")
	}
	if err := tx.Append(ListName, e); err != nil {
		return err
	}
	if n := tx.Len(ListName); n > MaxEntries {
		return tx.DeleteRange(ListName, 0, n-MaxEntries)
	}
	return nil
}

// Entries returns the retained feed, oldest first. Concurrent appends from
// different replicas can briefly merge to more than MaxEntries items; only
// the newest MaxEntries are returned.
func Entries(doc *crdt.Document) ([]Entry, error) {
	raw := doc.Values(ListName)
	if len(raw) > MaxEntries {
		raw = raw[len(raw)-MaxEntries:]
	}
	out := make([]Entry, 0, len(raw))
	for _, b := range raw {
		var e Entry
		if err := crdt.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("activity: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
