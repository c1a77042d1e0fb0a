// Package ringbuffer implements a lock-free single-producer, single-consumer
// ring buffer of fixed-size elements.
//
// The buffer holds a power-of-two number of elements. Two monotonically
// increasing 32-bit counters (writeIndex, readIndex) are masked to obtain
// physical offsets; they wrap at their fixed width, so writeIndex-readIndex
// (unsigned) is always the number of readable elements and lies in
// [0, Capacity].
//
// Memory ordering: Go's sync/atomic operations are sequentially consistent,
// which is stronger than the release/acquire pairing the algorithm needs.
// The producer stores writeIndex after copying data in; the consumer loads
// writeIndex before copying data out (and symmetrically for readIndex).
//
// Thread assignment:
//   - Write, GetWriteRegions, AdvanceWriteIndex, WriteAvailable: producer only
//   - Read, GetReadRegions, AdvanceReadIndex, ReadAvailable, Flush: consumer only
//
// Exactly one producer and one consumer may run concurrently. Multiple
// producers or consumers need external serialization.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// maxElements keeps the capacity well inside the 32-bit index space so that
// the unsigned difference of the indices is unambiguous.
const maxElements = 1 << 30

var (
	// ErrNotPowerOfTwo is returned when the element count is not a power of two.
	ErrNotPowerOfTwo = errors.New("ringbuffer: element count must be a power of two")
	// ErrInvalidElementSize is returned for element sizes below one byte.
	ErrInvalidElementSize = errors.New("ringbuffer: element size must be positive")
)

// RingBuffer is a lock-free SPSC ring buffer of elementSize-byte elements.
type RingBuffer struct {
	// Separate cache lines to prevent false sharing between producer and consumer.
	writeIndex atomic.Uint32
	_pad1      [60]byte
	readIndex  atomic.Uint32
	_pad2      [60]byte

	buf         []byte
	elementSize int
	capacity    uint32
	mask        uint32
}

// New creates a ring buffer holding elementCount elements of elementSize
// bytes each. elementCount must be a power of two.
func New(elementSize, elementCount int) (*RingBuffer, error) {
	if elementSize <= 0 {
		return nil, ErrInvalidElementSize
	}
	if elementCount <= 0 || elementCount&(elementCount-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrNotPowerOfTwo, elementCount)
	}
	if elementCount > maxElements {
		return nil, fmt.Errorf("ringbuffer: element count %d exceeds maximum %d", elementCount, maxElements)
	}

	return &RingBuffer{
		buf:         make([]byte, elementSize*elementCount),
		elementSize: elementSize,
		capacity:    uint32(elementCount),
		mask:        uint32(elementCount - 1),
	}, nil
}

// NextPowerOfTwo returns the smallest power of two that is >= n (1 for n <= 1).
func NextPowerOfTwo(n int) int {
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}

// Capacity returns the number of elements the buffer can hold.
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// ElementSize returns the size of one element in bytes.
func (rb *RingBuffer) ElementSize() int {
	return rb.elementSize
}

// ReadAvailable returns the number of elements available to read.
func (rb *RingBuffer) ReadAvailable() int {
	return int(rb.writeIndex.Load() - rb.readIndex.Load())
}

// WriteAvailable returns the number of elements that can be written.
func (rb *RingBuffer) WriteAvailable() int {
	return int(rb.capacity - (rb.writeIndex.Load() - rb.readIndex.Load()))
}

// Flush discards all readable elements. Consumer side only.
func (rb *RingBuffer) Flush() {
	rb.readIndex.Store(rb.writeIndex.Load())
}

// GetWriteRegions returns up to two contiguous writable regions totalling at
// most n elements, without advancing the write index. The second region is
// non-empty only when the writable space wraps past the end of the storage.
// count is the total number of elements covered by the regions.
func (rb *RingBuffer) GetWriteRegions(n int) (count int, data1, data2 []byte) {
	w := rb.writeIndex.Load()
	r := rb.readIndex.Load()
	free := int(rb.capacity - (w - r))
	return rb.regions(w, min(n, free))
}

// AdvanceWriteIndex publishes n elements previously filled through
// GetWriteRegions.
func (rb *RingBuffer) AdvanceWriteIndex(n int) {
	rb.writeIndex.Store(rb.writeIndex.Load() + uint32(n))
}

// GetReadRegions returns up to two contiguous readable regions totalling at
// most n elements, without advancing the read index.
func (rb *RingBuffer) GetReadRegions(n int) (count int, data1, data2 []byte) {
	r := rb.readIndex.Load()
	w := rb.writeIndex.Load()
	available := int(w - r)
	return rb.regions(r, min(n, available))
}

// AdvanceReadIndex releases n elements previously consumed through
// GetReadRegions.
func (rb *RingBuffer) AdvanceReadIndex(n int) {
	rb.readIndex.Store(rb.readIndex.Load() + uint32(n))
}

func (rb *RingBuffer) regions(index uint32, n int) (int, []byte, []byte) {
	if n <= 0 {
		return 0, nil, nil
	}
	es := rb.elementSize
	pos := int(index & rb.mask)
	first := int(rb.capacity) - pos
	if n <= first {
		return n, rb.buf[pos*es : (pos+n)*es], nil
	}
	return n, rb.buf[pos*es:], rb.buf[:(n-first)*es]
}

// Write copies up to n elements from src into the buffer and returns the
// number of elements written. Non-blocking. Producer only.
func (rb *RingBuffer) Write(src []byte, n int) int {
	n = min(n, len(src)/rb.elementSize)
	count, data1, data2 := rb.GetWriteRegions(n)
	if count == 0 {
		return 0
	}
	copied := copy(data1, src)
	if data2 != nil {
		copy(data2, src[copied:])
	}
	rb.AdvanceWriteIndex(count)
	return count
}

// Read copies up to n elements from the buffer into dst and returns the
// number of elements read. Non-blocking. Consumer only.
func (rb *RingBuffer) Read(dst []byte, n int) int {
	n = min(n, len(dst)/rb.elementSize)
	count, data1, data2 := rb.GetReadRegions(n)
	if count == 0 {
		return 0
	}
	copied := copy(dst, data1)
	if data2 != nil {
		copy(dst[copied:], data2)
	}
	rb.AdvanceReadIndex(count)
	return count
}
