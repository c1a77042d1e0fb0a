// Package loopback is a software duplex host back-end. Whatever a stream
// plays is captured again on its input after an optional delay, like a cable
// from the line output back to the line input.
//
// Deliveries are driven either by the caller (Tick) or, with Config.Clocked,
// by a ticker running at the stream's sample rate.
package loopback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/drgolem/go-pastream/portaudio"
)

// ErrDeviceLost is reported to the stream when Config.FailAfter deliveries ran.
var ErrDeviceLost = errors.New("loopback: device lost")

const defaultFramesPerBuffer = 256

type Config struct {
	// Channels is the channel count of the simulated device on each side.
	// Default 2.
	Channels int
	// FramesPerBuffer is the host burst size. 0 follows the stream's
	// frames per buffer, or 256 when that is unspecified.
	FramesPerBuffer int
	// Deliveries, when set, is a cycle of delivery sizes used instead of
	// FramesPerBuffer. The host then reports bounded buffer sizes.
	Deliveries []int
	// Unbounded reports HostBufferSizeUnknown with Deliveries.
	Unbounded bool
	// HostFormat is the sample format of the host buffers, optionally OR'd
	// with NonInterleaved. Default float32.
	HostFormat portaudio.PaSampleFormat
	// Delay is the number of silent frames queued on the input side ahead
	// of the played frames at start.
	Delay int
	// PrimingBuffers is the number of deliveries after start flagged as
	// priming output.
	PrimingBuffers int
	// Clocked drives deliveries from a wall-clock ticker.
	Clocked bool
	// FailAfter simulates a device failure after that many deliveries.
	FailAfter int
	// OutputTap, if set, receives every delivered output buffer in the host
	// format, interleaved. It runs on the delivering goroutine.
	OutputTap func(p []byte)
	// LowLatency and HighLatency are the device's default latencies.
	LowLatency  portaudio.PaTime
	HighLatency portaudio.PaTime
}

// Host implements portaudio.HostAPI.
type Host struct {
	cfg Config

	mu      sync.Mutex
	running []*Stream
}

func New(cfg Config) *Host {
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.HostFormat == 0 {
		cfg.HostFormat = portaudio.SampleFmtFloat32
	}
	if cfg.LowLatency == 0 {
		cfg.LowLatency = 0.01
	}
	if cfg.HighLatency == 0 {
		cfg.HighLatency = 0.1
	}
	return &Host{cfg: cfg}
}

func (h *Host) Name() string {
	return "loopback"
}

func (h *Host) Devices() []*portaudio.DeviceInfo {
	return []*portaudio.DeviceInfo{{
		Index:                    0,
		Name:                     "Loopback",
		MaxInputChannels:         h.cfg.Channels,
		MaxOutputChannels:        h.cfg.Channels,
		DefaultLowInputLatency:   h.cfg.LowLatency,
		DefaultLowOutputLatency:  h.cfg.LowLatency,
		DefaultHighInputLatency:  h.cfg.HighLatency,
		DefaultHighOutputLatency: h.cfg.HighLatency,
		DefaultSampleRate:        48000,
	}}
}

// Tick runs one delivery on every started stream and returns how many ran.
func (h *Host) Tick() int {
	h.mu.Lock()
	streams := append([]*Stream(nil), h.running...)
	h.mu.Unlock()

	n := 0
	for _, s := range streams {
		if s.Tick() == nil {
			n++
		}
	}
	return n
}

func (h *Host) add(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = append(h.running, s)
}

func (h *Host) remove(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.running {
		if r == s {
			h.running = append(h.running[:i], h.running[i+1:]...)
			return
		}
	}
}

func (h *Host) OpenStream(cfg portaudio.HostStreamConfig) (portaudio.HostStream, portaudio.HostStreamInfo, error) {
	var info portaudio.HostStreamInfo

	if cfg.Input == nil && cfg.Output == nil {
		return nil, info, portaudio.ErrInvalidChannelCount
	}
	if cfg.SampleRate <= 0 {
		return nil, info, portaudio.ErrInvalidSampleRate
	}
	if cfg.Flags&portaudio.PlatformSpecificFlags != 0 {
		return nil, info, fmt.Errorf("%w: loopback has no platform specific flags", portaudio.ErrInvalidFlag)
	}

	format := h.cfg.HostFormat
	size := portaudio.GetSampleSize(format)
	if size == 0 {
		return nil, info, portaudio.ErrSampleFormatNotSupported
	}

	s := &Stream{
		host:       h,
		planar:     format.IsNonInterleaved(),
		sampleSize: size,
		sampleRate: cfg.SampleRate,
		flags:      cfg.Flags,
		deliveries: h.cfg.Deliveries,
	}

	for _, p := range []*portaudio.PaStreamParameters{cfg.Input, cfg.Output} {
		if p != nil && (p.ChannelCount <= 0 || p.ChannelCount > h.cfg.Channels) {
			return nil, info, portaudio.ErrInvalidChannelCount
		}
	}
	if cfg.Input != nil {
		s.inChannels = cfg.Input.ChannelCount
		info.HostInputFormat = format
	}
	if cfg.Output != nil {
		s.outChannels = cfg.Output.ChannelCount
		info.HostOutputFormat = format
	}

	frames := h.cfg.FramesPerBuffer
	if frames <= 0 {
		frames = cfg.FramesPerBuffer
	}
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	info.BufferSizeMode = portaudio.HostBufferSizeFixed
	if len(s.deliveries) > 0 {
		frames = 0
		for _, d := range s.deliveries {
			if d <= 0 {
				return nil, info, fmt.Errorf("%w: delivery size %d", portaudio.ErrBufferTooSmall, d)
			}
			frames = max(frames, d)
		}
		info.BufferSizeMode = portaudio.HostBufferSizeBounded
		if h.cfg.Unbounded {
			info.BufferSizeMode = portaudio.HostBufferSizeUnknown
		}
	}
	info.FramesPerHostBuffer = frames

	// Latency is one burst, or the suggested latency when that is larger.
	burst := portaudio.PaTime(float64(frames) / cfg.SampleRate)
	if cfg.Input != nil {
		info.InputLatency = max(burst, cfg.Input.SuggestedLatency)
	}
	if cfg.Output != nil {
		info.OutputLatency = max(burst, cfg.Output.SuggestedLatency)
	}

	copySamples, err := portaudio.SelectConverter(format, format, portaudio.NoFlag)
	if err != nil {
		return nil, info, err
	}
	silence, err := portaudio.SelectZeroer(format)
	if err != nil {
		return nil, info, err
	}
	s.copySamples = copySamples
	s.silence = silence

	s.inBuf = make([]byte, frames*s.inChannels*size)
	s.outBuf = make([]byte, frames*s.outChannels*size)
	s.airBuf = make([]byte, frames*s.outChannels*size)
	if s.inChannels > 0 && s.outChannels > 0 {
		airFrames := 4*frames + h.cfg.Delay
		s.air = ringbuffer.New(airFrames * s.outChannels * size)
	}
	s.info = info

	return s, info, nil
}

// Stream is one open loopback stream.
type Stream struct {
	host *Host

	planar      bool
	sampleSize  int
	sampleRate  float64
	flags       portaudio.PaStreamFlags
	inChannels  int
	outChannels int
	info        portaudio.HostStreamInfo
	deliveries  []int

	copySamples portaudio.ConverterFunc
	silence     portaudio.ZeroerFunc

	// air carries played frames back to the input, interleaved.
	air    *ringbuffer.RingBuffer
	inBuf  []byte
	outBuf []byte
	airBuf []byte

	clock atomic.Int64 // frames delivered since open

	mu         sync.Mutex
	bp         *portaudio.BufferProcessor
	finished   portaudio.HostFinishedFunc
	running    bool
	closed     bool
	next       int
	primingRun int
	delivered  int
	overflow   bool
	stop       chan struct{}
	done       chan struct{}
}

func (s *Stream) Start(bp *portaudio.BufferProcessor, finished portaudio.HostFinishedFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return portaudio.ErrBadStreamPtr
	}
	if s.running {
		return portaudio.ErrStreamIsNotStopped
	}

	s.bp = bp
	s.finished = finished
	s.next = 0
	s.primingRun = s.host.cfg.PrimingBuffers
	s.delivered = 0
	s.overflow = false
	if s.air != nil {
		s.air.Reset()
		s.prefillAir(s.host.cfg.Delay)
	}
	s.running = true
	s.host.add(s)

	if s.host.cfg.Clocked {
		period := time.Duration(float64(s.info.FramesPerHostBuffer) / s.sampleRate * float64(time.Second))
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.run(period, s.stop, s.done)
	}

	slog.Debug("loopback stream started",
		"framesPerHostBuffer", s.info.FramesPerHostBuffer,
		"bufferSizeMode", s.info.BufferSizeMode.String(),
		"clocked", s.host.cfg.Clocked)
	return nil
}

func (s *Stream) run(period time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				return
			}
		}
	}
}

func (s *Stream) prefillAir(frames int) {
	frameBytes := s.outChannels * s.sampleSize
	for frames > 0 {
		n := min(frames, len(s.airBuf)/frameBytes)
		s.silence(s.airBuf, 1, n*s.outChannels)
		_, _ = s.air.Write(s.airBuf[:n*frameBytes])
		frames -= n
	}
}

// Tick runs one delivery. It returns portaudio.ErrStreamIsStopped when the
// stream is not running, and the device error when it fails.
func (s *Stream) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return portaudio.ErrStreamIsStopped
	}

	if fail := s.host.cfg.FailAfter; fail > 0 && s.delivered >= fail {
		s.finish(portaudio.Continue, ErrDeviceLost)
		return ErrDeviceLost
	}

	result := s.deliver(s.nextSize())
	s.delivered++

	// After Complete the stream keeps running until the processor has
	// handed out all its queued output.
	if result == portaudio.Abort || (result == portaudio.Complete && s.bp.IsOutputEmpty()) {
		s.finish(result, nil)
	}
	return nil
}

// finish must be called with mu held.
func (s *Stream) finish(result portaudio.StreamCallbackResult, err error) {
	s.running = false
	s.host.remove(s)
	finished := s.finished
	s.finished = nil
	if finished != nil {
		finished(result, err)
	}
}

func (s *Stream) nextSize() int {
	if len(s.deliveries) == 0 {
		return s.info.FramesPerHostBuffer
	}
	n := s.deliveries[s.next%len(s.deliveries)]
	s.next++
	return n
}

func (s *Stream) deliver(n int) portaudio.StreamCallbackResult {
	bp := s.bp
	ss := s.sampleSize

	now := s.Time()
	timeInfo := portaudio.StreamCallbackTimeInfo{
		InputBufferAdcTime:  now - s.info.InputLatency,
		CurrentTime:         now,
		OutputBufferDacTime: now + s.info.OutputLatency,
	}
	defer s.clock.Add(int64(n))

	priming := s.primingRun > 0
	if priming {
		s.primingRun--
		if s.flags&portaudio.PrimeOutputBuffersUsingStreamCallback == 0 {
			if s.outChannels > 0 {
				s.silence(s.outBuf, 1, n*s.outChannels)
				s.play(s.outBuf[:n*s.outChannels*ss], n)
			}
			return portaudio.Continue
		}
	}

	var flags portaudio.StreamCallbackFlags
	if priming {
		flags |= portaudio.PrimingOutput
	}
	if s.overflow {
		flags |= portaudio.OutputOverflow
		s.overflow = false
	}
	bp.BeginProcessing(&timeInfo, flags)

	if s.inChannels > 0 {
		bp.SetInputFrameCount(n)
		if !priming {
			s.capture(n)
		}
	}

	if s.outChannels > 0 {
		bp.SetOutputFrameCount(n)
		if s.planar {
			for c := 0; c < s.outChannels; c++ {
				bp.SetNonInterleavedOutputChannel(c, s.outBuf[c*n*ss:(c+1)*n*ss])
			}
		} else {
			bp.SetInterleavedOutputChannels(0, s.outBuf[:n*s.outChannels*ss], 0)
		}
	}

	_, result := bp.EndProcessing()

	if s.outChannels > 0 {
		out := s.outBuf[:n*s.outChannels*ss]
		if s.planar {
			for c := 0; c < s.outChannels; c++ {
				s.copySamples(s.airBuf[c*ss:], s.outChannels, s.outBuf[c*n*ss:], 1, n, nil)
			}
			out = s.airBuf[:n*s.outChannels*ss]
		}
		s.play(out, n)
	}

	return result
}

// capture registers n frames of input with the processor. Input channel c
// hears output channel c modulo the output channel count.
func (s *Stream) capture(n int) {
	bp := s.bp
	ss := s.sampleSize

	if s.air == nil {
		s.silence(s.inBuf, 1, n*s.inChannels)
		if s.planar {
			for c := 0; c < s.inChannels; c++ {
				bp.SetNonInterleavedInputChannel(c, s.inBuf[c*n*ss:(c+1)*n*ss])
			}
		} else {
			bp.SetInterleavedInputChannels(0, s.inBuf[:n*s.inChannels*ss], 0)
		}
		return
	}

	frameBytes := s.outChannels * ss
	want := n * frameBytes
	got, _ := s.air.TryRead(s.airBuf[:want])
	if got < want {
		s.silence(s.airBuf[got:], 1, (want-got)/ss)
	}

	switch {
	case s.planar:
		for c := 0; c < s.inChannels; c++ {
			src := (c % s.outChannels) * ss
			s.copySamples(s.inBuf[c*n*ss:], 1, s.airBuf[src:], s.outChannels, n, nil)
			bp.SetNonInterleavedInputChannel(c, s.inBuf[c*n*ss:(c+1)*n*ss])
		}
	case s.inChannels == s.outChannels:
		bp.SetInterleavedInputChannels(0, s.airBuf[:want], 0)
	default:
		for c := 0; c < s.inChannels; c++ {
			bp.SetInputChannel(c, s.airBuf[(c%s.outChannels)*ss:want], s.outChannels)
		}
	}
}

// play hands interleaved output to the tap and, for duplex streams, to the
// input side.
func (s *Stream) play(out []byte, n int) {
	if tap := s.host.cfg.OutputTap; tap != nil {
		tap(out)
	}
	if s.air == nil {
		return
	}
	frameBytes := s.outChannels * s.sampleSize
	fit := min(n, s.air.Free()/frameBytes)
	if fit > 0 {
		_, _ = s.air.Write(out[:fit*frameBytes])
	}
	if fit < n {
		s.overflow = true
	}
}

func (s *Stream) halt() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.finished = nil
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if wasRunning {
		s.host.remove(s)
	}
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Stream) Stop() error {
	s.halt()
	slog.Debug("loopback stream stopped")
	return nil
}

func (s *Stream) Abort() error {
	s.halt()
	s.mu.Lock()
	if s.air != nil {
		s.air.Reset()
	}
	s.mu.Unlock()
	slog.Debug("loopback stream aborted")
	return nil
}

func (s *Stream) Close() error {
	s.halt()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Stream) Time() portaudio.PaTime {
	return portaudio.PaTime(float64(s.clock.Load()) / s.sampleRate)
}
