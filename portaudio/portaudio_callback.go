package portaudio

// StreamCallback is the Go callback function type.
// It receives audio data and should fill the output buffer with audio samples.
//
// Parameters:
//   - input: input buffer (for recording, nil for output-only streams)
//   - output: output buffer to fill with audio samples (nil for input-only
//     streams and for surplus input under NeverDropInput)
//   - frameCount: number of frames to process
//   - timeInfo: timing information about the stream
//   - statusFlags: status flags indicating stream conditions
//
// Buffers are interleaved unless the stream's sample format carries
// NonInterleaved, in which case channel c occupies
// buf[c*frameCount*sampleSize:(c+1)*frameCount*sampleSize].
//
// Returns:
//   - Continue (0) to keep the stream running
//   - Complete (1) to finish gracefully
//   - Abort (2) to stop immediately
//
// IMPORTANT: The callback runs in a real-time context. Avoid:
//   - Memory allocation/deallocation
//   - File I/O or console output
//   - Mutex locks or context switching
//   - Any operations that may block or take unbounded time
type StreamCallback func(
	input, output []byte,
	frameCount uint,
	timeInfo *StreamCallbackTimeInfo,
	statusFlags StreamCallbackFlags,
) StreamCallbackResult

// StreamCallbackResult indicates what the callback wants the stream to do
type StreamCallbackResult int

const (
	// Continue tells the stream to keep invoking the callback
	Continue StreamCallbackResult = 0
	// Complete tells the stream to finish playing remaining buffers then stop
	Complete StreamCallbackResult = 1
	// Abort tells the stream to stop immediately, discarding buffered data
	Abort StreamCallbackResult = 2
)

func (r StreamCallbackResult) String() string {
	switch r {
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// StreamCallbackFlags provides information about the stream state
type StreamCallbackFlags uint

const (
	// InputUnderflow indicates input data was lost before callback was called
	InputUnderflow StreamCallbackFlags = 0x00000001
	// InputOverflow indicates input data was discarded after callback returned
	InputOverflow StreamCallbackFlags = 0x00000002
	// OutputUnderflow indicates output buffer had insufficient data
	OutputUnderflow StreamCallbackFlags = 0x00000004
	// OutputOverflow indicates output data was discarded
	OutputOverflow StreamCallbackFlags = 0x00000008
	// PrimingOutput indicates initial output is being generated
	PrimingOutput StreamCallbackFlags = 0x00000010
)

// StreamCallbackTimeInfo provides timing information for the callback
type StreamCallbackTimeInfo struct {
	InputBufferAdcTime  PaTime // Time when first sample of input buffer was captured
	CurrentTime         PaTime // Time when callback was invoked
	OutputBufferDacTime PaTime // Time when first sample of output buffer will be played
}

// OpenCallback opens the stream with a callback function.
// The callback will be invoked on the host goroutine to generate or process audio.
//
// Unlike blocking I/O, callback-based streams run in real-time and provide
// better performance and lower latency. However, the callback must follow
// strict real-time constraints (see StreamCallback documentation).
//
// framesPerBuffer 0 lets the host choose; the callback then sees whatever
// each host delivery holds.
func (s *PaStream) OpenCallback(framesPerBuffer int, callback StreamCallback) error {
	if callback == nil {
		return ErrNullCallback
	}
	return s.open(framesPerBuffer, callback)
}

// CloseCallback closes a callback stream.
// Kept for symmetry with OpenCallback; it is equivalent to Close.
func (s *PaStream) CloseCallback() error {
	return s.Close()
}
