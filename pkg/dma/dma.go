// Package dma models device-shared memory: a page-granular arena that both
// the driver and the device can address, streams mapped out of it, and
// bounded slices used to stage one request or response. Writes become
// visible to the device only after Sync, mirroring the flush/invalidate
// discipline of a real DMA mapping.
package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// PageSize is the allocation granule of an Arena.
const PageSize = 4096

// Direction tags a stream with the transfer directions it supports.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

var (
	ErrArenaFull  = errors.New("dma: arena has no free pages")
	ErrOutOfRange = errors.New("dma: access out of range")
)

// Arena is a contiguous region of device-visible memory. Stream addresses
// are offsets into the arena, which is what the device sees as bus
// addresses. All accesses are serialized so that driver-side slice I/O and
// device-side absolute I/O never race.
type Arena struct {
	mu   sync.RWMutex
	buf  []byte
	next int
}

// NewArena returns an arena of the given number of pages.
func NewArena(pages int) *Arena {
	return &Arena{buf: make([]byte, pages*PageSize)}
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}

// AllocStream maps pages of fresh arena memory as one stream.
func (a *Arena) AllocStream(pages int, dir Direction) (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size := pages * PageSize
	if a.next+size > len(a.buf) {
		return nil, fmt.Errorf("%w: need %d bytes, %d free", ErrArenaFull, size, len(a.buf)-a.next)
	}
	s := &Stream{arena: a, off: a.next, size: size, dir: dir}
	a.next += size
	return s, nil
}

// ReadAt copies arena memory at an absolute device address. It is the
// device-side access path.
func (a *Arena) ReadAt(addr uint64, p []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(addr)+len(p) > len(a.buf) {
		return fmt.Errorf("%w: read [%d, %d)", ErrOutOfRange, addr, int(addr)+len(p))
	}
	copy(p, a.buf[addr:])
	return nil
}

// WriteAt copies into arena memory at an absolute device address. It is the
// device-side access path.
func (a *Arena) WriteAt(addr uint64, p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(addr)+len(p) > len(a.buf) {
		return fmt.Errorf("%w: write [%d, %d)", ErrOutOfRange, addr, int(addr)+len(p))
	}
	copy(a.buf[addr:], p)
	return nil
}

// Uint16At reads a little-endian uint16 at an absolute device address.
func (a *Arena) Uint16At(addr uint64) (uint16, error) {
	var b [2]byte
	if err := a.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// PutUint16At writes a little-endian uint16 at an absolute device address.
func (a *Arena) PutUint16At(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return a.WriteAt(addr, b[:])
}

// Stream is one mapped allocation. It stays alive for the lifetime of its
// owner; transactions reuse it as a staging area.
type Stream struct {
	arena *Arena
	off   int
	size  int
	dir   Direction
}

// Addr returns the device-visible address of the stream.
func (s *Stream) Addr() uint64 {
	return uint64(s.off)
}

// Size returns the stream size in bytes.
func (s *Stream) Size() int {
	return s.size
}

// Direction returns the direction the stream was mapped with.
func (s *Stream) Direction() Direction {
	return s.dir
}

// Slice returns a bounded window into the stream.
func (s *Stream) Slice(off, length int) (Slice, error) {
	if off < 0 || length < 0 || off+length > s.size {
		return Slice{}, fmt.Errorf("%w: slice [%d, %d) of %d-byte stream", ErrOutOfRange, off, off+length, s.size)
	}
	return Slice{stream: s, off: off, length: length}, nil
}

// Slice is a window into a stream, the unit handed to the descriptor queue.
type Slice struct {
	stream *Stream
	off    int
	length int
}

// Addr returns the device-visible address of the slice.
func (sl Slice) Addr() uint64 {
	return sl.stream.Addr() + uint64(sl.off)
}

// Len returns the slice length in bytes.
func (sl Slice) Len() int {
	return sl.length
}

func (sl Slice) check(off, n int) error {
	if off < 0 || off+n > sl.length {
		return fmt.Errorf("%w: access [%d, %d) of %d-byte slice", ErrOutOfRange, off, off+n, sl.length)
	}
	return nil
}

// Write copies p into the slice at off.
func (sl Slice) Write(off int, p []byte) error {
	if err := sl.check(off, len(p)); err != nil {
		return err
	}
	return sl.stream.arena.WriteAt(sl.Addr()+uint64(off), p)
}

// Read copies from the slice at off into p.
func (sl Slice) Read(off int, p []byte) error {
	if err := sl.check(off, len(p)); err != nil {
		return err
	}
	return sl.stream.arena.ReadAt(sl.Addr()+uint64(off), p)
}

// Zero overwrites the whole slice with zero bytes.
func (sl Slice) Zero() error {
	return sl.Write(0, make([]byte, sl.length))
}

// Sync publishes CPU writes to the device and invalidates stale device
// writes. The in-process arena is coherent, so this is a visibility fence
// only; real transports hook cache maintenance here.
func (sl Slice) Sync() error {
	sl.stream.arena.mu.Lock()
	sl.stream.arena.mu.Unlock()
	return nil
}

// PutUint16 writes a little-endian uint16 at off.
func (sl Slice) PutUint16(off int, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return sl.Write(off, b[:])
}

// Uint16 reads a little-endian uint16 at off.
func (sl Slice) Uint16(off int) (uint16, error) {
	var b [2]byte
	if err := sl.Read(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// PutUint32 writes a little-endian uint32 at off.
func (sl Slice) PutUint32(off int, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return sl.Write(off, b[:])
}

// Uint32 reads a little-endian uint32 at off.
func (sl Slice) Uint32(off int) (uint32, error) {
	var b [4]byte
	if err := sl.Read(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// PutUint64 writes a little-endian uint64 at off.
func (sl Slice) PutUint64(off int, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return sl.Write(off, b[:])
}
