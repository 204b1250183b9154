package snapshot

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpoint_EncodeDecodeRoundTrip(t *testing.T) {
	chk := &Checkpoint{
		Position: 42,
		Registry: []byte(`{"version":1,"sessions":[]}`),
		Timers:   []byte(`{"version":1,"timers":[]}`),
		State:    []byte("service-bytes"),
	}
	encoded := chk.Encode()

	got, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, chk.Position, got.Position)
	require.Equal(t, chk.Registry, got.Registry)
	require.Equal(t, chk.Timers, got.Timers)
	require.Equal(t, chk.State, got.State)
}

func TestCheckpoint_DecodeRejectsBadFraming(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not a checkpoint at all")))
	require.ErrorIs(t, err, ErrFormat)

	// Flip the version field.
	chk := &Checkpoint{Position: 1}
	b := chk.Encode()
	b[5] = 0x7f
	_, err = Decode(bytes.NewReader(b))
	require.ErrorIs(t, err, ErrFormat)

	// Truncated payload.
	_, err = Decode(bytes.NewReader(chk.Encode()[:16]))
	require.ErrorIs(t, err, ErrFormat)
}

func TestCapture_DiscardsOnCallbackError(t *testing.T) {
	boom := errors.New("boom")
	chk, err := Capture(7, []byte("r"), []byte("t"), nil, func(w *Writer) error {
		if _, err := w.Write([]byte("partial")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Nil(t, chk)
}

func TestCapture_SealsHandleAfterReturn(t *testing.T) {
	var leaked *Writer
	chk, err := Capture(1, nil, nil, nil, func(w *Writer) error {
		leaked = w
		_, err := w.Write([]byte("state"))
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []byte("state"), chk.State)

	_, err = leaked.Write([]byte("late"))
	require.ErrorIs(t, err, ErrSealed)
}

// shortWriter accepts at most chunk bytes per call to exercise the
// partial-write retry path.
type shortWriter struct {
	buf   bytes.Buffer
	chunk int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.chunk {
		p = p[:s.chunk]
	}
	return s.buf.Write(p)
}

func TestWriter_RetriesShortWritesAndIdles(t *testing.T) {
	dst := &shortWriter{chunk: 3}
	idles := 0
	w := NewWriter(dst, func() { idles++ })
	n, err := w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "0123456789", dst.buf.String())
	require.Equal(t, int64(10), w.Written())
	require.Greater(t, idles, 0)
}

func TestOpen_ReadsStateAndSeals(t *testing.T) {
	chk := &Checkpoint{State: []byte("hello")}
	var leaked *Reader
	err := Open(chk, nil, func(r *Reader) error {
		leaked = r
		b, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, "hello", string(b))
		return nil
	})
	require.NoError(t, err)

	_, err = leaked.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrSealed)
}
