package domain

import "errors"

// HistoryCapacity is the fixed number of entries a device history can hold.
const HistoryCapacity = 10

// ErrHistoryFull is returned by History.Append when the history already holds
// HistoryCapacity entries. Nothing is evicted.
var ErrHistoryFull = errors.New("device history is full")

// HistoryEntry is one audit record: the status a device entered and the global
// sequence number assigned when it did.
type HistoryEntry struct {
	Status   DeviceStatus `json:"status"`
	Sequence uint64       `json:"sequence_number"`
}

// History is the append-only status trail of a device in chronological order.
type History []HistoryEntry

// NewHistory starts a history with a single entry.
func NewHistory(first HistoryEntry) History {
	h := make(History, 1, HistoryCapacity)
	h[0] = first
	return h
}

// Append returns a new history with entry appended, or ErrHistoryFull when the
// history is at capacity. The receiver is never modified.
func (h History) Append(entry HistoryEntry) (History, error) {
	if len(h) >= HistoryCapacity {
		return h, ErrHistoryFull
	}
	out := make(History, len(h), HistoryCapacity)
	copy(out, h)
	return append(out, entry), nil
}

// Full reports whether the history is at capacity.
func (h History) Full() bool { return len(h) >= HistoryCapacity }

// Last returns the most recent entry.
func (h History) Last() (HistoryEntry, bool) {
	if len(h) == 0 {
		return HistoryEntry{}, false
	}
	return h[len(h)-1], true
}

// Clone returns a copy that shares no backing array with h.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}
