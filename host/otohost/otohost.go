// Package otohost is an output-only host back-end over oto. Oto pulls audio
// through an io.Reader on its own goroutine; each Read is turned into one or
// more buffer processor deliveries.
package otohost

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/drgolem/go-pastream/portaudio"
)

const (
	defaultFramesPerBuffer = 512
	maxChannels            = 2
)

// Host implements portaudio.HostAPI. Oto allows a single context per
// process, so every stream opened on a Host shares its sample rate and
// channel count.
type Host struct {
	mu         sync.Mutex
	ctx        *oto.Context
	sampleRate float64
	channels   int
	format     oto.Format
	latency    portaudio.PaTime
}

func New() *Host {
	return &Host{}
}

func (h *Host) Name() string {
	return "oto"
}

func (h *Host) Devices() []*portaudio.DeviceInfo {
	return []*portaudio.DeviceInfo{{
		Index:                    0,
		Name:                     "Default Output",
		MaxOutputChannels:        maxChannels,
		DefaultLowOutputLatency:  0.02,
		DefaultHighOutputLatency: 0.1,
		DefaultSampleRate:        48000,
	}}
}

// selectFormat picks the device format for a stream with the given user
// format. int16 streams stay int16 on the device; everything else goes out
// as float32. Once a context exists its format is used for every stream,
// and the buffer processor converts to it.
func selectFormat(user portaudio.PaSampleFormat, ctxFormat oto.Format, haveCtx bool) (portaudio.PaSampleFormat, oto.Format) {
	format := oto.FormatFloat32LE
	if user.Base() == portaudio.SampleFmtInt16 {
		format = oto.FormatSignedInt16LE
	}
	if haveCtx {
		format = ctxFormat
	}
	if format == oto.FormatSignedInt16LE {
		return portaudio.SampleFmtInt16, format
	}
	return portaudio.SampleFmtFloat32, format
}

// context creates the oto context on first use and returns it with the
// host format of its samples.
func (h *Host) context(sampleRate float64, channels int, user portaudio.PaSampleFormat, latency portaudio.PaTime) (*oto.Context, portaudio.PaSampleFormat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hostFormat, format := selectFormat(user, h.format, h.ctx != nil)

	if h.ctx != nil {
		if h.sampleRate != sampleRate {
			return nil, 0, fmt.Errorf("%w: oto context runs at %v Hz", portaudio.ErrInvalidSampleRate, h.sampleRate)
		}
		if h.channels != channels {
			return nil, 0, fmt.Errorf("%w: oto context has %d channels", portaudio.ErrInvalidChannelCount, h.channels)
		}
		return h.ctx, hostFormat, nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   int(sampleRate),
		ChannelCount: channels,
		Format:       format,
		BufferSize:   time.Duration(float64(latency) * float64(time.Second)),
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, 0, &portaudio.UnanticipatedHostError{HostApi: h.Name(), Err: err}
	}
	<-ready

	h.ctx = ctx
	h.sampleRate = sampleRate
	h.channels = channels
	h.format = format
	h.latency = latency
	slog.Debug("oto context created", "sampleRate", sampleRate, "channels", channels, "format", hostFormat.String(), "latency", float64(latency))
	return ctx, hostFormat, nil
}

func (h *Host) OpenStream(cfg portaudio.HostStreamConfig) (portaudio.HostStream, portaudio.HostStreamInfo, error) {
	var info portaudio.HostStreamInfo

	if cfg.Input != nil {
		return nil, info, fmt.Errorf("%w: oto has no input", portaudio.ErrInvalidChannelCount)
	}
	if cfg.Output == nil {
		return nil, info, portaudio.ErrInvalidChannelCount
	}
	if cfg.Flags&portaudio.PlatformSpecificFlags != 0 {
		return nil, info, portaudio.ErrInvalidFlag
	}
	channels := cfg.Output.ChannelCount
	if channels <= 0 || channels > maxChannels {
		return nil, info, portaudio.ErrInvalidChannelCount
	}
	if cfg.SampleRate <= 0 {
		return nil, info, portaudio.ErrInvalidSampleRate
	}

	latency := cfg.Output.SuggestedLatency
	ctx, hostFormat, err := h.context(cfg.SampleRate, channels, cfg.Output.SampleFormat, latency)
	if err != nil {
		return nil, info, err
	}

	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}

	info.HostOutputFormat = hostFormat
	info.FramesPerHostBuffer = frames
	info.BufferSizeMode = portaudio.HostBufferSizeBounded
	info.OutputLatency = h.latency

	s := &Stream{
		host:       h,
		sampleRate: cfg.SampleRate,
		frameBytes: channels * portaudio.GetSampleSize(hostFormat),
		maxFrames:  frames,
		latency:    h.latency,
	}
	s.player = ctx.NewPlayer(s)

	return s, info, nil
}

// Stream is an open oto output stream. It is the io.Reader of its player.
type Stream struct {
	host       *Host
	player     *oto.Player
	sampleRate float64
	frameBytes int
	maxFrames  int
	latency    portaudio.PaTime

	clock atomic.Int64

	mu       sync.Mutex
	bp       *portaudio.BufferProcessor
	finished portaudio.HostFinishedFunc
	running  bool
}

// Read is called by oto's goroutine. It fills p with whole frames.
func (s *Stream) Read(p []byte) (int, error) {
	n := len(p) / s.frameBytes * s.frameBytes
	if n == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		clear(p[:n])
		return n, nil
	}

	for off := 0; off < n; {
		frames := min((n-off)/s.frameBytes, s.maxFrames)
		buf := p[off : off+frames*s.frameBytes]
		result := s.deliver(buf, frames)
		off += len(buf)

		if result == portaudio.Abort || (result == portaudio.Complete && s.bp.IsOutputEmpty()) {
			s.running = false
			finished := s.finished
			s.finished = nil
			if finished != nil {
				finished(result, nil)
			}
			clear(p[off:n])
			break
		}
	}
	return n, nil
}

func (s *Stream) deliver(buf []byte, frames int) portaudio.StreamCallbackResult {
	now := s.Time()
	timeInfo := portaudio.StreamCallbackTimeInfo{
		CurrentTime:         now,
		OutputBufferDacTime: now + s.latency,
	}
	s.bp.BeginProcessing(&timeInfo, 0)
	s.bp.SetOutputFrameCount(frames)
	s.bp.SetInterleavedOutputChannels(0, buf, 0)
	_, result := s.bp.EndProcessing()
	s.clock.Add(int64(frames))
	return result
}

func (s *Stream) Start(bp *portaudio.BufferProcessor, finished portaudio.HostFinishedFunc) error {
	s.mu.Lock()
	if s.player == nil {
		s.mu.Unlock()
		return portaudio.ErrBadStreamPtr
	}
	if s.running {
		s.mu.Unlock()
		return portaudio.ErrStreamIsNotStopped
	}
	s.bp = bp
	s.finished = finished
	s.running = true
	s.mu.Unlock()

	s.player.Play()
	if err := s.player.Err(); err != nil {
		return &portaudio.UnanticipatedHostError{HostApi: s.host.Name(), Err: err}
	}
	return nil
}

func (s *Stream) halt() {
	s.mu.Lock()
	s.running = false
	s.finished = nil
	s.mu.Unlock()

	if s.player != nil {
		s.player.Pause()
	}
}

func (s *Stream) Stop() error {
	s.halt()
	return nil
}

func (s *Stream) Abort() error {
	s.halt()
	return nil
}

func (s *Stream) Close() error {
	s.halt()
	if s.player == nil {
		return nil
	}
	err := s.player.Close()
	s.player = nil
	return err
}

func (s *Stream) Time() portaudio.PaTime {
	return portaudio.PaTime(float64(s.clock.Load()) / s.sampleRate)
}
