package session

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Registry tracks live client sessions keyed by id. It preserves insertion
// order for iteration and snapshot serialization so a restored registry
// serializes byte-identically to its source. All operations are O(1)
// amortized except iteration.
//
// The registry is not safe for concurrent use; the event dispatcher is its
// single writer.
type Registry struct {
	byID   map[int64]*Session
	order  []int64
	closed map[int64]struct{}
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Session), closed: make(map[int64]struct{})}
}

// Open registers a new session. The id must not be live and must never have
// been closed; closed ids are tombstoned so reopening one fails the same way
// a duplicate open would.
func (r *Registry) Open(id, timestamp int64) (*Session, error) {
	if _, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateSession, id)
	}
	if _, ok := r.closed[id]; ok {
		return nil, fmt.Errorf("%w: %d reopened after close", ErrDuplicateSession, id)
	}
	s := &Session{id: id, openedAt: timestamp}
	r.byID[id] = s
	r.order = append(r.order, id)
	return s, nil
}

// Closing marks the session as closing with the given reason and returns it.
// The session stays live until Remove so the close callback still observes a
// valid session object.
func (r *Registry) Closing(id int64, reason CloseReason) (*Session, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	s.closing = true
	s.reason = reason
	return s, nil
}

// Remove deregisters a session previously marked by Closing. The id is
// tombstoned for good.
func (r *Registry) Remove(id int64) error {
	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	delete(r.byID, id)
	r.closed[id] = struct{}{}
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if c, ok := s.responder.(io.Closer); ok {
		_ = c.Close()
	}
	s.responder = nil
	return nil
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id int64) (*Session, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s, nil
}

// Bind attaches a reply channel to a live session. Binding is transport-plane
// bookkeeping and does not count as a state mutation for replication purposes.
func (r *Registry) Bind(id int64, rp Responder) error {
	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	s.responder = rp
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return len(r.byID) }

// ForEach visits live sessions in insertion order until fn returns false.
func (r *Registry) ForEach(fn func(*Session) bool) {
	for _, id := range r.order {
		if !fn(r.byID[id]) {
			return
		}
	}
}

type snapshotSession struct {
	ID       int64 `json:"id"`
	OpenedAt int64 `json:"openedAt"`
}

type snapshotBlob struct {
	Version  int               `json:"version"`
	Sessions []snapshotSession `json:"sessions"`
	Closed   []int64           `json:"closed,omitempty"`
}

// Snapshot encodes the registry as a stable JSON blob: live sessions in
// insertion order, closed-id tombstones sorted ascending. Responder handles
// are transport state and are not serialized.
func (r *Registry) Snapshot() ([]byte, error) {
	blob := snapshotBlob{Version: 1, Sessions: make([]snapshotSession, 0, len(r.order))}
	for _, id := range r.order {
		s := r.byID[id]
		blob.Sessions = append(blob.Sessions, snapshotSession{ID: s.id, OpenedAt: s.openedAt})
	}
	for id := range r.closed {
		blob.Closed = append(blob.Closed, id)
	}
	sort.Slice(blob.Closed, func(i, j int) bool { return blob.Closed[i] < blob.Closed[j] })
	return json.Marshal(blob)
}

// Restore replaces the registry contents from a Snapshot blob.
func (r *Registry) Restore(buf []byte) error {
	var blob snapshotBlob
	if err := json.Unmarshal(buf, &blob); err != nil {
		return fmt.Errorf("session: restore: %w", err)
	}
	if blob.Version != 1 {
		return fmt.Errorf("session: restore: unsupported snapshot version %d", blob.Version)
	}
	r.byID = make(map[int64]*Session, len(blob.Sessions))
	r.order = r.order[:0]
	for _, e := range blob.Sessions {
		r.byID[e.ID] = &Session{id: e.ID, openedAt: e.OpenedAt}
		r.order = append(r.order, e.ID)
	}
	r.closed = make(map[int64]struct{}, len(blob.Closed))
	for _, id := range blob.Closed {
		r.closed[id] = struct{}{}
	}
	return nil
}
