package portaudio

import (
	"sync"
	"sync/atomic"

	"github.com/drgolem/go-pastream/ringbuffer"
)

const blockingFlagMask = InputUnderflow | InputOverflow | OutputUnderflow | OutputOverflow

// blockingSide is one ring of a blocking stream. Ring elements are whole
// interleaved user frames.
type blockingSide struct {
	ring       *ringbuffer.RingBuffer
	channels   int
	sampleSize int
	frameBytes int
	planar     bool
	// copySamples moves one channel between planar caller buffers and
	// interleaved ring frames.
	copySamples ConverterFunc
}

func newBlockingSide(channels int, format PaSampleFormat, ringFrames int) (*blockingSide, error) {
	copySamples, err := SelectConverter(format, format, NoFlag)
	if err != nil {
		return nil, err
	}
	size := GetSampleSize(format)
	ring, err := ringbuffer.New(channels*size, ringFrames)
	if err != nil {
		return nil, err
	}
	return &blockingSide{
		ring:        ring,
		channels:    channels,
		sampleSize:  size,
		frameBytes:  channels * size,
		planar:      format.IsNonInterleaved(),
		copySamples: copySamples,
	}, nil
}

// put stages up to frames-done frames of buf into the ring and returns the
// number staged. buf holds frames frames in the caller's layout.
func (s *blockingSide) put(buf []byte, frames, done int) int {
	if !s.planar {
		return s.ring.Write(buf[done*s.frameBytes:], frames-done)
	}
	count, data1, data2 := s.ring.GetWriteRegions(frames - done)
	if count == 0 {
		return 0
	}
	n1 := len(data1) / s.frameBytes
	s.interleave(data1, buf, frames, done, n1)
	if data2 != nil {
		s.interleave(data2, buf, frames, done+n1, count-n1)
	}
	s.ring.AdvanceWriteIndex(count)
	return count
}

// take moves up to frames-done ring frames into buf.
func (s *blockingSide) take(buf []byte, frames, done int) int {
	if !s.planar {
		return s.ring.Read(buf[done*s.frameBytes:], frames-done)
	}
	count, data1, data2 := s.ring.GetReadRegions(frames - done)
	if count == 0 {
		return 0
	}
	n1 := len(data1) / s.frameBytes
	s.deinterleave(buf, data1, frames, done, n1)
	if data2 != nil {
		s.deinterleave(buf, data2, frames, done+n1, count-n1)
	}
	s.ring.AdvanceReadIndex(count)
	return count
}

func (s *blockingSide) interleave(dst, src []byte, layoutFrames, srcFrame, n int) {
	for ch := 0; ch < s.channels; ch++ {
		s.copySamples(dst[ch*s.sampleSize:], s.channels,
			src[(ch*layoutFrames+srcFrame)*s.sampleSize:], 1, n, nil)
	}
}

func (s *blockingSide) deinterleave(dst, src []byte, layoutFrames, dstFrame, n int) {
	for ch := 0; ch < s.channels; ch++ {
		s.copySamples(dst[(ch*layoutFrames+dstFrame)*s.sampleSize:], 1,
			src[ch*s.sampleSize:], s.channels, n, nil)
	}
}

// blockingStream implements Read and Write over a running callback stream.
// Its callback shim is the stream callback of the BufferProcessor; it moves
// frames between the processor and two SPSC rings. The shim is the ring
// producer for input and the consumer for output; the application is the
// other end of each.
type blockingStream struct {
	input  *blockingSide
	output *blockingSide

	silence ZeroerFunc

	flags  atomic.Uint32 // StreamCallbackFlags seen by the shim
	bursts atomic.Uint64

	// Writer-side bookkeeping for waitOutputEmpty.
	pendingWrite   bool
	lastWriteBurst uint64

	readable chan struct{}
	writable chan struct{}

	cancelling atomic.Bool
	mu         sync.Mutex
	halt       chan struct{}
	haltErr    error
}

func newBlockingStream() *blockingStream {
	b := &blockingStream{
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		halt:     make(chan struct{}),
		haltErr:  ErrStreamIsStopped,
	}
	close(b.halt)
	b.cancelling.Store(true)
	return b
}

// allocate creates the rings once the negotiated latency is known.
func (b *blockingStream) allocate(inChannels int, inFormat PaSampleFormat, outChannels int, outFormat PaSampleFormat, ringFrames int) error {
	var err error
	if inChannels > 0 {
		if b.input, err = newBlockingSide(inChannels, inFormat, ringFrames); err != nil {
			return err
		}
	}
	if outChannels > 0 {
		if b.output, err = newBlockingSide(outChannels, outFormat, ringFrames); err != nil {
			return err
		}
		if b.silence, err = SelectZeroer(outFormat); err != nil {
			return err
		}
	}
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// callback is the shim installed in place of a user callback. The processor
// always hands it interleaved buffers.
func (b *blockingStream) callback(input, output []byte, frameCount uint, _ *StreamCallbackTimeInfo, statusFlags StreamCallbackFlags) StreamCallbackResult {
	n := int(frameCount)

	if b.cancelling.Load() {
		if output != nil {
			b.silence(output, 1, n*b.output.channels)
		}
		return Continue
	}

	if f := statusFlags & blockingFlagMask; f != 0 {
		b.flags.Or(uint32(f))
	}

	// Priming input was never captured by the device.
	captured := input != nil && statusFlags&PrimingOutput == 0
	if captured {
		// Keep the oldest frames; whatever does not fit is dropped.
		if written := b.input.ring.Write(input, n); written < n {
			b.flags.Or(uint32(InputOverflow))
		}
	}

	if output != nil {
		got := b.output.ring.Read(output, n)
		if got < n {
			b.silence(output[got*b.output.frameBytes:], 1, (n-got)*b.output.channels)
			b.flags.Or(uint32(OutputUnderflow))
		}
	}

	// Count the burst before waking waiters so waitOutputEmpty sees it.
	b.bursts.Add(1)
	if captured {
		notify(b.readable)
	}
	if output != nil {
		notify(b.writable)
	}
	return Continue
}

// start re-arms the adapter before the host starts delivering. Frames
// written while stopped stay queued for playback.
func (b *blockingStream) start() {
	b.mu.Lock()
	b.halt = make(chan struct{})
	b.haltErr = nil
	b.mu.Unlock()

	if b.input != nil {
		b.input.ring.Flush()
	}
	b.flags.Store(0)
	b.bursts.Store(0)
	b.lastWriteBurst = 0
	select {
	case <-b.readable:
	default:
	}
	select {
	case <-b.writable:
	default:
	}
	b.cancelling.Store(false)
}

// stop wakes every waiter; they return err. Only the first call per start
// takes effect.
func (b *blockingStream) stop(err error) {
	b.cancelling.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haltErr == nil {
		b.haltErr = err
		close(b.halt)
	}
}

func (b *blockingStream) haltChannel() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halt
}

func (b *blockingStream) haltError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.haltErr
}

// discardOutput drops queued output. Only valid while the host is stopped.
func (b *blockingStream) discardOutput() {
	if b.output != nil {
		b.output.ring.Flush()
	}
	b.pendingWrite = false
}

// read blocks until frames frames were copied into buf.
func (b *blockingStream) read(buf []byte, frames int) error {
	halt := b.haltChannel()
	for done := 0; done < frames; {
		done += b.input.take(buf, frames, done)
		if done == frames {
			break
		}
		select {
		case <-b.readable:
		case <-halt:
			return b.haltError()
		}
	}

	if old := b.flags.And(^uint32(InputOverflow)); old&uint32(InputOverflow) != 0 {
		return ErrInputOverflowed
	}
	return nil
}

// write blocks until frames frames of buf were staged for output.
func (b *blockingStream) write(buf []byte, frames int) error {
	halt := b.haltChannel()
	for done := 0; done < frames; {
		done += b.output.put(buf, frames, done)
		if done == frames {
			break
		}
		select {
		case <-b.writable:
		case <-halt:
			return b.haltError()
		}
	}
	b.pendingWrite = true
	b.lastWriteBurst = b.bursts.Load()

	if old := b.flags.And(^uint32(OutputUnderflow)); old&uint32(OutputUnderflow) != 0 {
		return ErrOutputUnderflowed
	}
	return nil
}

// waitOutputEmpty returns once the output ring is empty and the host took at
// least one burst after the last write.
func (b *blockingStream) waitOutputEmpty() error {
	if b.output == nil {
		return nil
	}
	halt := b.haltChannel()
	for {
		if b.output.ring.ReadAvailable() == 0 && (!b.pendingWrite || b.bursts.Load() > b.lastWriteBurst) {
			b.pendingWrite = false
			return nil
		}
		select {
		case <-b.writable:
		case <-halt:
			return b.haltError()
		}
	}
}

func (b *blockingStream) readAvailable() int {
	return b.input.ring.ReadAvailable()
}

func (b *blockingStream) writeAvailable() int {
	return b.output.ring.WriteAvailable()
}
