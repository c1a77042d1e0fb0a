package portaudio

// HostBufferSizeMode describes how a host back-end sizes its deliveries.
type HostBufferSizeMode int

const (
	// HostBufferSizeUnknown means deliveries may be any size.
	HostBufferSizeUnknown HostBufferSizeMode = iota
	// HostBufferSizeBounded means each delivery holds at most FramesPerHostBuffer frames.
	HostBufferSizeBounded
	// HostBufferSizeFixed means every delivery holds exactly FramesPerHostBuffer frames.
	HostBufferSizeFixed
)

func (m HostBufferSizeMode) String() string {
	switch m {
	case HostBufferSizeBounded:
		return "bounded"
	case HostBufferSizeFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// HostStreamConfig is what the stream core asks a host back-end to open.
type HostStreamConfig struct {
	Input           *PaStreamParameters // nil for output-only streams
	Output          *PaStreamParameters // nil for input-only streams
	SampleRate      float64
	FramesPerBuffer int // user buffer size, 0 when unspecified
	Flags           PaStreamFlags
}

// HostStreamInfo is what the host back-end actually negotiated.
type HostStreamInfo struct {
	// HostInputFormat and HostOutputFormat are the formats of the buffers
	// the host registers with the buffer processor.
	HostInputFormat  PaSampleFormat
	HostOutputFormat PaSampleFormat

	// FramesPerHostBuffer is the (maximum) delivery size.
	FramesPerHostBuffer int
	BufferSizeMode      HostBufferSizeMode

	// InputLatency and OutputLatency are the device-side latencies
	// the core adds its own buffering to.
	InputLatency  PaTime
	OutputLatency PaTime
}

// HostFinishedFunc is called by a host stream, on its own goroutine, when it
// stops delivering on its own: after the processor returned Complete or Abort
// (err == nil), or after a back-end failure (err != nil).
type HostFinishedFunc func(result StreamCallbackResult, err error)

// HostAPI is a host back-end able to open streams.
type HostAPI interface {
	Name() string
	Devices() []*DeviceInfo
	OpenStream(cfg HostStreamConfig) (HostStream, HostStreamInfo, error)
}

// HostStream is an open host-side stream.
//
// While started, the host calls, per delivery and from a single goroutine:
// BeginProcessing, SetInputFrameCount and the input channel setters,
// SetOutputFrameCount and the output channel setters, then EndProcessing.
type HostStream interface {
	// Start begins deliveries into bp. finished must be called at most once
	// per Start, and never after Stop or Abort returned.
	Start(bp *BufferProcessor, finished HostFinishedFunc) error
	// Stop returns after the in-flight delivery, if any, completed.
	// No delivery starts after Stop returns.
	Stop() error
	// Abort is Stop without waiting for queued output to play.
	Abort() error
	Close() error
	// Time returns the host clock used for callback timestamps.
	Time() PaTime
}
