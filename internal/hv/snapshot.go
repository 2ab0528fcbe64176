package hv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Snapshot file format constants. The header is the first bytes of every
// snapshot record; readers must reject unknown magic or version values
// outright instead of guessing at the body layout.
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// ErrSnapshotVersion reports a snapshot whose magic or version this build
// does not understand.
var ErrSnapshotVersion = errors.New("unsupported snapshot version")

// SnapshotHeader precedes every serialized device record.
type SnapshotHeader struct {
	Magic   uint32
	Version uint32
	Flags   uint32 // reserved
}

// WriteSnapshotHeader writes the little-endian snapshot header.
func WriteSnapshotHeader(w io.Writer, h SnapshotHeader) error {
	for _, v := range []uint32{h.Magic, h.Version, h.Flags} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write snapshot header: %w", err)
		}
	}
	return nil
}

// ReadSnapshotHeader reads and validates the snapshot header. It fails with
// ErrSnapshotVersion before any body bytes are consumed.
func ReadSnapshotHeader(r io.Reader) (SnapshotHeader, error) {
	var h SnapshotHeader
	for _, p := range []*uint32{&h.Magic, &h.Version, &h.Flags} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return h, fmt.Errorf("read snapshot header: %w", err)
		}
	}
	if h.Magic != SnapshotMagic {
		return h, fmt.Errorf("%w: bad magic %#x", ErrSnapshotVersion, h.Magic)
	}
	if h.Version != SnapshotVersion {
		return h, fmt.Errorf("%w: version %d", ErrSnapshotVersion, h.Version)
	}
	return h, nil
}
