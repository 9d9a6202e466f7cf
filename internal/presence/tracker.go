package presence

import "sort"

// Tracker holds the presence of every client in one room. It has no lock of
// its own: the owning room serializes access.
type Tracker struct {
	states map[string]State
}

// NewTracker 생성자
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]State)}
}

// Set replaces the client's state (last write wins).
func (t *Tracker) Set(s State) {
	t.states[s.ClientID] = s
}

func (t *Tracker) Get(clientID string) (State, bool) {
	s, ok := t.states[clientID]
	return s, ok
}

// Remove deletes the client's entry and reports whether it existed.
func (t *Tracker) Remove(clientID string) bool {
	if _, ok := t.states[clientID]; !ok {
		return false
	}
	delete(t.states, clientID)
	return true
}

func (t *Tracker) Len() int {
	return len(t.states)
}

// Snapshot returns every state except exclude, sorted by client id.
func (t *Tracker) Snapshot(exclude string) []State {
	out := make([]State, 0, len(t.states))
	for id, s := range t.states {
		if id == exclude {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
