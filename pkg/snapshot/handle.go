package snapshot

import (
	"bytes"
	"errors"
	"io"
)

// ErrSealed is returned when a capture or restore handle is used after the
// callback it was issued to has returned. Handles are scoped to one callback
// and must not be retained.
var ErrSealed = errors.New("snapshot: handle used outside its callback")

// idleEvery is how many bytes a handle moves before invoking the idle hook,
// keeping long captures cooperative without per-write overhead dominating.
const idleEvery = 64 * 1024

// Writer is the scoped handle a service writes its snapshot state to during
// capture. It tolerates repeated small writes, retries short writes, and
// periodically yields through the idle hook so the node can service liveness
// duties during a long capture. It never times out; any deadline policy
// belongs to the external publication layer.
type Writer struct {
	dst       io.Writer
	idle      func()
	written   int64
	sinceIdle int64
	sealed    bool
}

// NewWriter wraps dst. idle may be nil.
func NewWriter(dst io.Writer, idle func()) *Writer {
	return &Writer{dst: dst, idle: idle}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.sealed {
		return 0, ErrSealed
	}
	total := 0
	for len(p) > 0 {
		n, err := w.dst.Write(p)
		total += n
		w.written += int64(n)
		w.sinceIdle += int64(n)
		if w.sinceIdle >= idleEvery {
			w.sinceIdle = 0
			w.yield()
		}
		if err != nil {
			return total, err
		}
		if n == len(p) {
			break
		}
		// Short write: back off through the idle hook and push the rest.
		p = p[n:]
		w.yield()
	}
	return total, nil
}

// Written returns the number of bytes accepted so far.
func (w *Writer) Written() int64 { return w.written }

func (w *Writer) yield() {
	if w.idle != nil {
		w.idle()
	}
}

func (w *Writer) seal() { w.sealed = true }

// Reader is the scoped handle a service reads previously captured state from
// during start. A nil *Reader signals a cold start with no snapshot.
type Reader struct {
	src    *bytes.Reader
	idle   func()
	sealed bool
}

// NewReader wraps the captured state bytes. idle may be nil.
func NewReader(state []byte, idle func()) *Reader {
	return &Reader{src: bytes.NewReader(state), idle: idle}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.sealed {
		return 0, ErrSealed
	}
	n, err := r.src.Read(p)
	if r.idle != nil && n > 0 {
		r.idle()
	}
	return n, err
}

// Len returns the number of unread state bytes.
func (r *Reader) Len() int {
	if r.sealed {
		return 0
	}
	return r.src.Len()
}

func (r *Reader) seal() { r.sealed = true }

// Capture produces a checkpoint at the given position. The registry and timer
// side-channel blobs are recorded first, then fn receives a scoped Writer for
// the service-state section. Any error from fn discards the checkpoint
// entirely; there is no partial commit. The handle is sealed when Capture
// returns, whatever the outcome.
func Capture(position uint64, registry, timers []byte, idle func(), fn func(*Writer) error) (*Checkpoint, error) {
	var state bytes.Buffer
	w := NewWriter(&state, idle)
	err := fn(w)
	w.seal()
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Position: position,
		Registry: registry,
		Timers:   timers,
		State:    state.Bytes(),
	}, nil
}

// Open hands the checkpoint's service-state bytes to fn through a scoped
// Reader, mirroring Capture. The handle is sealed when Open returns.
func Open(chk *Checkpoint, idle func(), fn func(*Reader) error) error {
	r := NewReader(chk.State, idle)
	err := fn(r)
	r.seal()
	return err
}
