// Package device defines the contract to the append-only paged device
// behind the hybrid log, plus an in-memory implementation used by tests and
// the bench command. The store never touches a device synchronously on the
// hot path: reads are issued from I/O goroutines and complete through the
// session's completion queue.
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IDevice is the append-only record device the hybrid log flushes into.
// Frames are keyed by the record's ring-local logical address; the device
// itself is ignorant of the framing (see hlog.Record Marshal/Unmarshal).
type IDevice interface {
	// WriteRecord persists the framed record at the given logical address.
	// Rewriting an address is an error: the log is append-only.
	WriteRecord(addr uint64, frame []byte) error

	// ReadRecord returns the framed record stored at the given logical
	// address.
	ReadRecord(addr uint64) (frame []byte, err error)

	// TruncateUntil drops all frames below the given address (log
	// truncation when BeginAddress advances).
	TruncateUntil(addr uint64)

	// Size returns the number of frames currently held.
	Size() int
}

// --------------------------------------------------------------------------
// In-memory device
// --------------------------------------------------------------------------

// memDevice keeps frames in a concurrent map. It fails reads below the
// truncation point the way a real device fails reads of recycled segments.
type memDevice struct {
	frames    *xsync.MapOf[uint64, []byte]
	truncated atomic.Uint64
}

// NewMemoryDevice creates an empty in-memory device.
func NewMemoryDevice() IDevice {
	return &memDevice{
		frames: xsync.NewMapOf[uint64, []byte](),
	}
}

func (d *memDevice) WriteRecord(addr uint64, frame []byte) error {
	if _, loaded := d.frames.LoadOrStore(addr, frame); loaded {
		return fmt.Errorf("device: address %d written twice", addr)
	}
	return nil
}

func (d *memDevice) ReadRecord(addr uint64) ([]byte, error) {
	if addr < d.truncated.Load() {
		return nil, fmt.Errorf("device: address %d below truncation point", addr)
	}
	frame, ok := d.frames.Load(addr)
	if !ok {
		return nil, fmt.Errorf("device: no record at address %d", addr)
	}
	return frame, nil
}

func (d *memDevice) TruncateUntil(addr uint64) {
	d.truncated.Store(addr)
	d.frames.Range(func(key uint64, _ []byte) bool {
		if key < addr {
			d.frames.Delete(key)
		}
		return true
	})
}

func (d *memDevice) Size() int {
	return d.frames.Size()
}
