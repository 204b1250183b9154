package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFormat is returned when checkpoint bytes do not carry the expected
	// magic or carry an unsupported format version.
	ErrFormat = errors.New("snapshot: unrecognized checkpoint format")
)

const (
	checkpointMagic   uint32 = 0x41524e43 // "ARNC"
	checkpointVersion uint16 = 1

	// sections must not exceed this to guard against corrupted length fields
	maxSectionBytes = 1 << 31
)

// Checkpoint is a captured snapshot of all container state at one log
// position: the session registry and timer schedule side-channel blobs plus
// the opaque service-state bytes. A checkpoint is immutable after capture and
// consumed exactly once at restart.
type Checkpoint struct {
	Position uint64
	Registry []byte
	Timers   []byte
	State    []byte
}

// EncodeTo writes the self-describing binary framing: magic, version,
// position, then three length-prefixed sections.
func (c *Checkpoint) EncodeTo(w io.Writer) error {
	var hdr [14]byte
	binary.BigEndian.PutUint32(hdr[0:4], checkpointMagic)
	binary.BigEndian.PutUint16(hdr[4:6], checkpointVersion)
	binary.BigEndian.PutUint64(hdr[6:14], c.Position)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, section := range [][]byte{c.Registry, c.Timers, c.State} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(section)))
		if _, err := w.Write(n[:]); err != nil {
			return err
		}
		if _, err := w.Write(section); err != nil {
			return err
		}
	}
	return nil
}

// Encode returns the framed checkpoint bytes.
func (c *Checkpoint) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(14 + 12 + len(c.Registry) + len(c.Timers) + len(c.State))
	_ = c.EncodeTo(&buf)
	return buf.Bytes()
}

// Decode parses framed checkpoint bytes produced by Encode. Format or version
// mismatches surface as ErrFormat so callers can distinguish corruption from
// I/O failures.
func Decode(r io.Reader) (*Checkpoint, error) {
	var hdr [14]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != checkpointMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != checkpointVersion {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, v)
	}
	c := &Checkpoint{Position: binary.BigEndian.Uint64(hdr[6:14])}
	for _, dst := range []*[]byte{&c.Registry, &c.Timers, &c.State} {
		var n [4]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("%w: short section length: %v", ErrFormat, err)
		}
		size := binary.BigEndian.Uint32(n[:])
		if size > maxSectionBytes {
			return nil, fmt.Errorf("%w: section of %d bytes", ErrFormat, size)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: short section: %v", ErrFormat, err)
		}
		*dst = buf
	}
	return c, nil
}
