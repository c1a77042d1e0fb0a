package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/drgolem/go-pastream/ringbuffer"
)

type streamState int32

const (
	streamStopped streamState = iota
	streamActive
	streamStopping
	streamCallbackStopped
)

func (s streamState) String() string {
	switch s {
	case streamStopped:
		return "stopped"
	case streamActive:
		return "active"
	case streamStopping:
		return "stopping"
	case streamCallbackStopped:
		return "callback-stopped"
	default:
		return fmt.Sprintf("streamState(%d)", int32(s))
	}
}

// StreamInfo reports the negotiated latencies and sample rate of an open stream.
type StreamInfo struct {
	InputLatency  PaTime
	OutputLatency PaTime
	SampleRate    float64
}

type PaStream struct {
	InputParameters  *PaStreamParameters // nil for output-only streams
	OutputParameters *PaStreamParameters // nil for input-only streams
	SampleRate       float64
	// StreamFlags specifies special options for the stream.
	// For blocking I/O, ClipOff is recommended when output samples are guaranteed
	// to be within [-1.0, 1.0] range. Default is NoFlag.
	StreamFlags PaStreamFlags
	// UseHighLatency when true uses the device's high default latency
	// instead of the low one when SuggestedLatency is zero. Recommended for
	// blocking I/O to avoid underruns.
	UseHighLatency bool
	// Logger receives stream lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	host       HostAPI
	id         uuid.UUID
	isOpen     bool
	logger     *slog.Logger
	hostStream HostStream
	hostInfo   HostStreamInfo
	bp         *BufferProcessor
	blocking   *blockingStream
	info       StreamInfo

	state    atomic.Int32
	hostErr  atomic.Pointer[UnanticipatedHostError]
	finished atomic.Pointer[func()]
	notified atomic.Bool
}

// IsFormatSupported checks the parameters against host's devices.
func IsFormatSupported(host HostAPI, inputParameters *PaStreamParameters, outputParameters *PaStreamParameters, sampleRate float64) error {
	if host == nil {
		return ErrBadStreamPtr
	}
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return ErrInvalidSampleRate
	}
	if inputParameters == nil && outputParameters == nil {
		return ErrInvalidChannelCount
	}

	check := func(p *PaStreamParameters, isInput bool) error {
		di, err := GetDeviceInfo(host, p.DeviceIndex)
		if err != nil {
			return err
		}
		maxChannels := di.MaxOutputChannels
		if isInput {
			maxChannels = di.MaxInputChannels
		}
		if p.ChannelCount <= 0 || p.ChannelCount > maxChannels {
			return fmt.Errorf("%w: %d channels on %q (max %d)", ErrInvalidChannelCount, p.ChannelCount, di.Name, maxChannels)
		}
		if GetSampleSize(p.SampleFormat) == 0 {
			return fmt.Errorf("%w: %v", ErrSampleFormatNotSupported, p.SampleFormat)
		}
		return nil
	}

	if inputParameters != nil {
		if err := check(inputParameters, true); err != nil {
			return err
		}
	}
	if outputParameters != nil {
		if err := check(outputParameters, false); err != nil {
			return err
		}
	}
	return nil
}

// GetDeviceInfo returns the host device at deviceIdx.
func GetDeviceInfo(host HostAPI, deviceIdx int) (*DeviceInfo, error) {
	devices := host.Devices()
	if deviceIdx < 0 || deviceIdx >= len(devices) {
		return nil, ErrInvalidDevice
	}
	return devices[deviceIdx], nil
}

// DefaultOutputDevice returns the first host device with output channels.
func DefaultOutputDevice(host HostAPI) (*DeviceInfo, error) {
	for _, d := range host.Devices() {
		if d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, ErrInvalidDevice
}

// DefaultInputDevice returns the first host device with input channels.
func DefaultInputDevice(host HostAPI) (*DeviceInfo, error) {
	for _, d := range host.Devices() {
		if d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, ErrInvalidDevice
}

// NewStream creates a new stream on host with the specified parameters.
// Either parameter set may be nil, but not both. The stream must be opened
// with Open() or OpenCallback() before use.
func NewStream(host HostAPI, inParams, outParams *PaStreamParameters, sampleRate float64) (*PaStream, error) {
	err := IsFormatSupported(host, inParams, outParams, sampleRate)
	if err != nil {
		return nil, err
	}

	st := PaStream{
		SampleRate: sampleRate,
		host:       host,
	}
	if inParams != nil {
		p := *inParams
		st.InputParameters = &p
	}
	if outParams != nil {
		p := *outParams
		st.OutputParameters = &p
	}

	return &st, nil
}

// NewInputStream creates a new input stream for recording audio.
//
// Example:
//
//	device, _ := portaudio.DefaultInputDevice(host)
//	params := portaudio.PaStreamParameters{
//	    DeviceIndex:  device.Index,
//	    ChannelCount: 1, // mono
//	    SampleFormat: portaudio.SampleFmtInt16,
//	}
//	stream, err := portaudio.NewInputStream(host, params, 44100)
func NewInputStream(host HostAPI, inParams PaStreamParameters, sampleRate float64) (*PaStream, error) {
	return NewStream(host, &inParams, nil, sampleRate)
}

// NewOutputStream creates a new output stream with reasonable defaults for blocking I/O.
//
// The returned stream is configured with:
//   - High latency mode (recommended for blocking I/O to avoid underruns)
//   - ClipOff flag (assumes samples are within valid range)
func NewOutputStream(host HostAPI, device int, channels int, sampleFormat PaSampleFormat, sampleRate float64) (*PaStream, error) {
	params := PaStreamParameters{
		DeviceIndex:  device,
		ChannelCount: channels,
		SampleFormat: sampleFormat,
	}

	stream, err := NewStream(host, nil, &params, sampleRate)
	if err != nil {
		return nil, err
	}

	stream.UseHighLatency = true
	stream.StreamFlags = ClipOff

	return stream, nil
}

// NewCallbackStream creates a new output stream optimized for callback-based audio.
//
// The returned stream is configured with:
//   - Low latency mode (optimized for real-time audio callbacks)
//   - ClipOff flag (assumes samples are within valid range)
func NewCallbackStream(host HostAPI, device int, channels int, sampleFormat PaSampleFormat, sampleRate float64) (*PaStream, error) {
	params := PaStreamParameters{
		DeviceIndex:  device,
		ChannelCount: channels,
		SampleFormat: sampleFormat,
	}

	stream, err := NewStream(host, nil, &params, sampleRate)
	if err != nil {
		return nil, err
	}

	stream.UseHighLatency = false
	stream.StreamFlags = ClipOff

	return stream, nil
}

// OpenDefaultStream opens an output stream on the host's default output
// device. If callback is nil, the stream is opened for blocking I/O.
// Call StartStream() to begin audio.
func OpenDefaultStream(host HostAPI, channels int, sampleFormat PaSampleFormat, sampleRate float64, framesPerBuffer int, callback StreamCallback) (*PaStream, error) {
	device, err := DefaultOutputDevice(host)
	if err != nil {
		return nil, fmt.Errorf("failed to get default output device: %w", err)
	}

	var stream *PaStream
	if callback != nil {
		stream, err = NewCallbackStream(host, device.Index, channels, sampleFormat, sampleRate)
		if err != nil {
			return nil, err
		}
		if err := stream.OpenCallback(framesPerBuffer, callback); err != nil {
			return nil, err
		}
	} else {
		stream, err = NewOutputStream(host, device.Index, channels, sampleFormat, sampleRate)
		if err != nil {
			return nil, err
		}
		if err := stream.Open(framesPerBuffer); err != nil {
			return nil, err
		}
	}

	return stream, nil
}

// Open opens the stream for blocking I/O with Read and Write.
// framesPerBuffer 0 lets the host choose its burst size.
func (s *PaStream) Open(framesPerBuffer int) error {
	return s.open(framesPerBuffer, nil)
}

// withLatency fills in a default suggested latency from the device.
func (s *PaStream) withLatency(p *PaStreamParameters, isInput bool) (*PaStreamParameters, error) {
	if p == nil {
		return nil, nil
	}
	out := *p
	if out.SuggestedLatency > 0 {
		return &out, nil
	}
	di, err := GetDeviceInfo(s.host, p.DeviceIndex)
	if err != nil {
		return nil, err
	}
	if s.UseHighLatency {
		out = HighLatencyParameters(di, p.ChannelCount, p.SampleFormat, isInput)
	} else {
		out = LowLatencyParameters(di, p.ChannelCount, p.SampleFormat, isInput)
	}
	return &out, nil
}

func (s *PaStream) open(framesPerBuffer int, callback StreamCallback) error {
	if s.isOpen {
		return errors.New("stream already open")
	}
	if s.host == nil {
		return ErrBadStreamPtr
	}
	if framesPerBuffer < 0 {
		return ErrBufferTooSmall
	}

	inParams, err := s.withLatency(s.InputParameters, true)
	if err != nil {
		return err
	}
	outParams, err := s.withLatency(s.OutputParameters, false)
	if err != nil {
		return err
	}

	hs, hostInfo, err := s.host.OpenStream(HostStreamConfig{
		Input:           inParams,
		Output:          outParams,
		SampleRate:      s.SampleRate,
		FramesPerBuffer: framesPerBuffer,
		Flags:           s.StreamFlags,
	})
	if err != nil {
		return err
	}

	id := uuid.New()
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", id.String())

	cfg := BufferProcessorConfig{
		SampleRate:          s.SampleRate,
		Flags:               s.StreamFlags,
		FramesPerUserBuffer: framesPerBuffer,
		FramesPerHostBuffer: hostInfo.FramesPerHostBuffer,
		HostBufferSizeMode:  hostInfo.BufferSizeMode,
		Callback:            callback,
		Logger:              logger,
	}
	if inParams != nil {
		cfg.InputChannelCount = inParams.ChannelCount
		cfg.UserInputFormat = inParams.SampleFormat
		cfg.HostInputFormat = hostInfo.HostInputFormat
	}
	if outParams != nil {
		cfg.OutputChannelCount = outParams.ChannelCount
		cfg.UserOutputFormat = outParams.SampleFormat
		cfg.HostOutputFormat = hostInfo.HostOutputFormat
	}

	var blocking *blockingStream
	if callback == nil {
		blocking = newBlockingStream()
		cfg.Callback = blocking.callback
		// The shim always sees interleaved frames; Read and Write reorder
		// planar caller buffers themselves.
		cfg.UserInputFormat = cfg.UserInputFormat.Base()
		cfg.UserOutputFormat = cfg.UserOutputFormat.Base()
	}

	bp, err := NewBufferProcessor(cfg)
	if err != nil {
		_ = hs.Close()
		return err
	}

	info := StreamInfo{SampleRate: s.SampleRate}
	if inParams != nil {
		info.InputLatency = hostInfo.InputLatency + PaTime(float64(bp.InputLatencyFrames())/s.SampleRate)
	}
	if outParams != nil {
		info.OutputLatency = hostInfo.OutputLatency + PaTime(float64(bp.OutputLatencyFrames())/s.SampleRate)
	}

	if blocking != nil {
		latencyFrames := int(math.Round(float64(max(info.InputLatency, info.OutputLatency)) * s.SampleRate))
		ringFrames := ringbuffer.NextPowerOfTwo(max(2*latencyFrames, 2*hostInfo.FramesPerHostBuffer, 2*framesPerBuffer))

		var inCh, outCh int
		var inFmt, outFmt PaSampleFormat
		if inParams != nil {
			inCh, inFmt = inParams.ChannelCount, inParams.SampleFormat
		}
		if outParams != nil {
			outCh, outFmt = outParams.ChannelCount, outParams.SampleFormat
		}
		if err := blocking.allocate(inCh, inFmt, outCh, outFmt, ringFrames); err != nil {
			_ = hs.Close()
			return fmt.Errorf("%w: %v", ErrInsufficientMemory, err)
		}
		logger.Debug("blocking rings allocated", "frames", ringFrames)
	}

	s.id = id
	s.logger = logger
	s.hostStream = hs
	s.hostInfo = hostInfo
	s.bp = bp
	s.blocking = blocking
	s.info = info
	s.state.Store(int32(streamStopped))
	s.isOpen = true

	logger.Info("stream opened",
		"host", s.host.Name(),
		"sampleRate", s.SampleRate,
		"framesPerBuffer", framesPerBuffer,
		"framesPerHostBuffer", hostInfo.FramesPerHostBuffer,
		"bufferSizeMode", hostInfo.BufferSizeMode.String(),
		"blocking", blocking != nil)

	return nil
}

// Close closes the stream, aborting it first if it is running.
func (s *PaStream) Close() error {
	if !s.isOpen {
		return nil
	}

	if s.loadState() != streamStopped {
		if err := s.AbortStream(); err != nil {
			s.logger.Warn("abort on close failed", "err", err)
		}
	}

	err := s.hostStream.Close()
	s.isOpen = false
	s.logger.Info("stream closed")
	return err
}

// ID returns the identifier assigned when the stream was opened.
func (s *PaStream) ID() uuid.UUID {
	return s.id
}

func (s *PaStream) loadState() streamState {
	return streamState(s.state.Load())
}

func (s *PaStream) StartStream() error {
	if !s.isOpen {
		return ErrBadStreamPtr
	}
	if s.loadState() != streamStopped {
		return ErrStreamIsNotStopped
	}

	s.bp.Reset()
	if s.blocking != nil {
		s.blocking.start()
	}
	s.hostErr.Store(nil)
	s.notified.Store(false)
	s.state.Store(int32(streamActive))

	if err := s.hostStream.Start(s.bp, s.hostFinished); err != nil {
		s.state.Store(int32(streamStopped))
		if s.blocking != nil {
			s.blocking.stop(ErrStreamIsStopped)
		}
		return err
	}

	s.logger.Debug("stream started")
	return nil
}

// StopStream stops the stream after queued output has been played. In
// blocking mode it first waits for the output ring to drain.
func (s *PaStream) StopStream() error {
	if !s.isOpen {
		return ErrBadStreamPtr
	}

	switch s.loadState() {
	case streamStopped:
		return ErrStreamIsStopped
	case streamActive:
		if s.blocking != nil {
			if err := s.blocking.waitOutputEmpty(); err != nil {
				s.logger.Debug("output not drained before stop", "err", err)
			}
		}
	}

	if !s.state.CompareAndSwap(int32(streamActive), int32(streamStopping)) {
		// The host already stopped delivering on its own.
		err := s.hostStream.Stop()
		s.state.Store(int32(streamStopped))
		return err
	}

	if s.blocking != nil {
		s.blocking.stop(ErrStreamIsStopped)
	}
	err := s.hostStream.Stop()
	s.state.Store(int32(streamStopped))
	s.notifyFinished()
	s.logger.Debug("stream stopped")
	return err
}

// AbortStream stops the stream immediately, discarding queued output.
// Blocked Read and Write calls return ErrStreamIsAborted.
func (s *PaStream) AbortStream() error {
	if !s.isOpen {
		return ErrBadStreamPtr
	}

	switch s.loadState() {
	case streamStopped:
		return ErrStreamIsStopped
	case streamCallbackStopped:
		err := s.hostStream.Abort()
		s.state.Store(int32(streamStopped))
		return err
	}

	s.state.Store(int32(streamStopping))
	if s.blocking != nil {
		s.blocking.stop(ErrStreamIsAborted)
	}
	err := s.hostStream.Abort()
	if s.blocking != nil {
		s.blocking.discardOutput()
	}
	s.state.Store(int32(streamStopped))
	s.notifyFinished()
	s.logger.Debug("stream aborted")
	return err
}

// hostFinished runs on the host goroutine when it stops delivering on its own.
func (s *PaStream) hostFinished(result StreamCallbackResult, err error) {
	var haltErr error = ErrStreamIsAborted
	if err != nil {
		hostErr := &UnanticipatedHostError{HostApi: s.host.Name(), Err: err}
		s.hostErr.Store(hostErr)
		haltErr = hostErr
		s.logger.Error("host stream failed", "err", err)
	}

	if !s.state.CompareAndSwap(int32(streamActive), int32(streamCallbackStopped)) {
		return
	}
	if s.blocking != nil {
		s.blocking.stop(haltErr)
	}
	s.logger.Debug("stream finished", "result", int(result))
	s.notifyFinished()
}

func (s *PaStream) notifyFinished() {
	if !s.notified.CompareAndSwap(false, true) {
		return
	}
	if f := s.finished.Load(); f != nil {
		(*f)()
	}
}

// SetFinishedCallback registers f to run once each time the stream becomes
// inactive, whether stopped, aborted, or finished by its callback. f may run
// on the host goroutine.
func (s *PaStream) SetFinishedCallback(f func()) error {
	if !s.isOpen {
		return ErrBadStreamPtr
	}
	if f == nil {
		s.finished.Store(nil)
		return nil
	}
	s.finished.Store(&f)
	return nil
}

// IsStopped reports whether the stream is stopped. A stream whose callback
// finished stays not stopped until StopStream or AbortStream.
func (s *PaStream) IsStopped() bool {
	return !s.isOpen || s.loadState() == streamStopped
}

// IsActive reports whether the host is delivering audio.
func (s *PaStream) IsActive() bool {
	return s.isOpen && s.loadState() == streamActive
}

func (s *PaStream) GetStreamInfo() (*StreamInfo, error) {
	if !s.isOpen {
		return nil, ErrBadStreamPtr
	}
	info := s.info
	return &info, nil
}

// GetStreamTime returns the host clock, 0 if the stream is not open.
func (s *PaStream) GetStreamTime() PaTime {
	if !s.isOpen {
		return 0
	}
	return s.hostStream.Time()
}

func (s *PaStream) checkBlocking(input bool) error {
	if !s.isOpen {
		return ErrBadStreamPtr
	}
	if input {
		if s.blocking == nil {
			return ErrCanNotReadFromACallbackStream
		}
		if s.blocking.input == nil {
			return ErrCanNotReadFromAnOutputOnlyStream
		}
	} else {
		if s.blocking == nil {
			return ErrCanNotWriteToACallbackStream
		}
		if s.blocking.output == nil {
			return ErrCanNotWriteToAnInputOnlyStream
		}
	}
	if hostErr := s.hostErr.Load(); hostErr != nil {
		return hostErr
	}
	return nil
}

// GetReadAvailable returns the number of frames Read can return without waiting.
func (s *PaStream) GetReadAvailable() (int, error) {
	if err := s.checkBlocking(true); err != nil {
		return 0, err
	}
	return s.blocking.readAvailable(), nil
}

// GetWriteAvailable returns the number of frames Write can take without waiting.
func (s *PaStream) GetWriteAvailable() (int, error) {
	if err := s.checkBlocking(false); err != nil {
		return 0, err
	}
	return s.blocking.writeAvailable(), nil
}

// Read reads audio data from the stream.
// frames specifies the number of frames to read (not bytes).
// buf must hold exactly frames * channelCount * sampleSize bytes, interleaved,
// or channel after channel for NonInterleaved formats.
//
// Read blocks until all frames were read. It returns ErrInputOverflowed
// (after filling buf) when input was dropped since the previous Read.
func (s *PaStream) Read(frames int, buf []byte) error {
	if err := s.checkBlocking(true); err != nil {
		return err
	}
	if err := checkBuffer(frames, buf, s.InputParameters); err != nil {
		return err
	}
	return s.blocking.read(buf, frames)
}

// Write writes audio data to the stream.
// frames specifies the number of frames to write (not bytes).
// buf must contain exactly frames * channelCount * sampleSize bytes.
//
// Write blocks until all frames were queued. It returns
// ErrOutputUnderflowed (after queueing buf) when silence was inserted
// since the previous Write.
func (s *PaStream) Write(frames int, buf []byte) error {
	if err := s.checkBlocking(false); err != nil {
		return err
	}
	if err := checkBuffer(frames, buf, s.OutputParameters); err != nil {
		return err
	}
	return s.blocking.write(buf, frames)
}

// WaitOutputEmpty blocks until every written frame has been handed to the host.
func (s *PaStream) WaitOutputEmpty() error {
	if err := s.checkBlocking(false); err != nil {
		return err
	}
	return s.blocking.waitOutputEmpty()
}

func checkBuffer(frames int, buf []byte, params *PaStreamParameters) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: buffer is empty", ErrBadBufferPtr)
	}
	if frames <= 0 {
		return fmt.Errorf("%w: frames must be positive", ErrBadBufferPtr)
	}

	expectedSize := frames * params.ChannelCount * GetSampleSize(params.SampleFormat)
	if len(buf) != expectedSize {
		return fmt.Errorf("%w: expected %d bytes for %d frames, got %d bytes",
			ErrBadBufferPtr, expectedSize, frames, len(buf))
	}
	return nil
}
