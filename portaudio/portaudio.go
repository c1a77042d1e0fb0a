// Package portaudio provides a pure-Go PortAudio-style stream core: a uniform
// streaming interface over heterogeneous audio back-ends.
//
// An application opens a stream by declaring input/output channel counts,
// sample formats, a sample rate and the desired buffer granularity. The
// package then drives a continuous producer/consumer pipeline between the
// application and a host back-end, invoking a periodic callback or servicing
// blocking Read/Write calls at the back-end's cadence.
//
// # Quick Start
//
// Callback mode with the loopback back-end:
//
//	host := loopback.New(loopback.Config{FramesPerBuffer: 256})
//	stream, _ := portaudio.NewStream(host, nil, &portaudio.PaStreamParameters{
//	    ChannelCount: 2,
//	    SampleFormat: portaudio.SampleFmtFloat32,
//	}, 48000)
//	stream.OpenCallback(512, func(input, output []byte, frameCount uint,
//	    timeInfo *portaudio.StreamCallbackTimeInfo,
//	    statusFlags portaudio.StreamCallbackFlags) portaudio.StreamCallbackResult {
//	    // Generate or process audio here
//	    return portaudio.Continue
//	})
//	defer stream.CloseCallback()
//	stream.StartStream()
//
// Blocking I/O mode: call Open instead of OpenCallback and use Read/Write.
//
// # Data Plane
//
// Every host delivery runs through the BufferProcessor, which converts host
// sample formats to the user's formats (and back), re-blocks host buffers
// into user buffers of the requested size, and invokes the callback. Sample
// conversion is done by converters selected once at open time
// (SelectConverter); narrowing conversions are dithered with a per-stream
// TriangularDither unless DitherOff is set, and clipped unless ClipOff is set.
//
// # Audio Callback Constraints
//
// Callbacks run on the back-end's audio thread. In callbacks, you MUST:
//   - Process audio quickly
//   - Use pre-allocated buffers only
//   - Avoid memory allocation (make, new, append)
//   - Avoid blocking operations (mutex, I/O, time.Sleep)
//
// The processor itself never allocates while processing.
//
// # Thread Safety
//
// Each PaStream must be controlled from one goroutine at a time. In blocking
// mode exactly one goroutine may call Read and one may call Write.
package portaudio

import (
	"errors"
	"fmt"
)

// PaSampleFormat identifies a sample encoding, optionally OR'd with NonInterleaved.
type PaSampleFormat uint32

const (
	SampleFmtFloat32 PaSampleFormat = 0x00000001
	SampleFmtInt32   PaSampleFormat = 0x00000002
	// SampleFmtInt24 is packed 3-byte two's complement in native byte order.
	SampleFmtInt24 PaSampleFormat = 0x00000004
	SampleFmtInt16 PaSampleFormat = 0x00000008
	SampleFmtInt8  PaSampleFormat = 0x00000010
	// SampleFmtUInt8 is offset binary: 128 is silence.
	SampleFmtUInt8 PaSampleFormat = 0x00000020
	// SampleFmtCustom is an opaque host-specific encoding; it cannot be converted.
	SampleFmtCustom PaSampleFormat = 0x00010000

	// NonInterleaved marks a side whose channels live in separate buffers.
	NonInterleaved PaSampleFormat = 0x80000000
)

// Base returns the format without the NonInterleaved bit.
func (f PaSampleFormat) Base() PaSampleFormat {
	return f &^ NonInterleaved
}

// IsNonInterleaved reports whether the NonInterleaved bit is set.
func (f PaSampleFormat) IsNonInterleaved() bool {
	return f&NonInterleaved != 0
}

func (f PaSampleFormat) String() string {
	var name string
	switch f.Base() {
	case SampleFmtFloat32:
		name = "float32"
	case SampleFmtInt32:
		name = "int32"
	case SampleFmtInt24:
		name = "int24"
	case SampleFmtInt16:
		name = "int16"
	case SampleFmtInt8:
		name = "int8"
	case SampleFmtUInt8:
		name = "uint8"
	case SampleFmtCustom:
		name = "custom"
	default:
		name = fmt.Sprintf("PaSampleFormat(0x%x)", uint32(f.Base()))
	}
	if f.IsNonInterleaved() {
		name += "|non-interleaved"
	}
	return name
}

// GetSampleSize returns the size in bytes for a given sample format.
// The NonInterleaved bit is ignored. Returns 0 for custom and unknown formats.
func GetSampleSize(format PaSampleFormat) int {
	switch format.Base() {
	case SampleFmtFloat32:
		return 4
	case SampleFmtInt32:
		return 4
	case SampleFmtInt24:
		return 3
	case SampleFmtInt16:
		return 2
	case SampleFmtInt8:
		return 1
	case SampleFmtUInt8:
		return 1
	default:
		return 0
	}
}

// PaStreamFlags specify special options when opening a stream
type PaStreamFlags uint32

const (
	// NoFlag is the default, no special flags set
	NoFlag PaStreamFlags = 0x00000000
	// ClipOff disables saturation on output conversion. The caller then
	// promises in-range samples; out-of-range values may wrap.
	ClipOff PaStreamFlags = 0x00000001
	// DitherOff disables dithering when narrowing sample formats
	DitherOff PaStreamFlags = 0x00000002
	// NeverDropInput requests that input is never discarded on overflow.
	// Only valid for full-duplex streams with unspecified frames per buffer.
	NeverDropInput PaStreamFlags = 0x00000004
	// PrimeOutputBuffersUsingStreamCallback fills the initial output
	// buffers by calling the stream callback instead of with silence.
	PrimeOutputBuffersUsingStreamCallback PaStreamFlags = 0x00000008
	// PlatformSpecificFlags is the bit range reserved for host back-ends.
	PlatformSpecificFlags PaStreamFlags = 0xFFFF0000

	validStreamFlags = ClipOff | DitherOff | NeverDropInput | PrimeOutputBuffersUsingStreamCallback
)

// PaTime represents time in seconds since an epoch chosen by the host back-end.
type PaTime float64

type PaStreamParameters struct {
	// DeviceIndex selects one of the host back-end's Devices().
	DeviceIndex      int
	ChannelCount     int
	SampleFormat     PaSampleFormat
	SuggestedLatency PaTime
}

// DeviceInfo describes a host back-end device.
type DeviceInfo struct {
	Index                    int
	Name                     string
	MaxInputChannels         int
	MaxOutputChannels        int
	DefaultLowInputLatency   PaTime
	DefaultLowOutputLatency  PaTime
	DefaultHighInputLatency  PaTime
	DefaultHighOutputLatency PaTime
	DefaultSampleRate        float64
}

// HighLatencyParameters creates stream parameters configured for high latency.
// This is recommended for blocking I/O to avoid underruns.
// Uses the device's DefaultHighInputLatency or DefaultHighOutputLatency.
func HighLatencyParameters(device *DeviceInfo, channels int, format PaSampleFormat, isInput bool) PaStreamParameters {
	latency := device.DefaultHighOutputLatency
	if isInput {
		latency = device.DefaultHighInputLatency
	}

	return PaStreamParameters{
		DeviceIndex:      device.Index,
		ChannelCount:     channels,
		SampleFormat:     format,
		SuggestedLatency: latency,
	}
}

// LowLatencyParameters creates stream parameters configured for low latency.
// This is recommended for callback-based I/O for real-time audio processing.
// Uses the device's DefaultLowInputLatency or DefaultLowOutputLatency.
func LowLatencyParameters(device *DeviceInfo, channels int, format PaSampleFormat, isInput bool) PaStreamParameters {
	latency := device.DefaultLowOutputLatency
	if isInput {
		latency = device.DefaultLowInputLatency
	}

	return PaStreamParameters{
		DeviceIndex:      device.Index,
		ChannelCount:     channels,
		SampleFormat:     format,
		SuggestedLatency: latency,
	}
}

// PaErrorCode is a PortAudio-compatible error number.
type PaErrorCode int

const (
	NoError                          PaErrorCode = 0
	UnanticipatedHostErrorCode       PaErrorCode = -9999
	InvalidChannelCount              PaErrorCode = -9998
	InvalidSampleRate                PaErrorCode = -9997
	InvalidDevice                    PaErrorCode = -9996
	InvalidFlag                      PaErrorCode = -9995
	SampleFormatNotSupported         PaErrorCode = -9994
	BadIODeviceCombination           PaErrorCode = -9993
	InsufficientMemory               PaErrorCode = -9992
	BufferTooBig                     PaErrorCode = -9991
	BufferTooSmall                   PaErrorCode = -9990
	NullCallback                     PaErrorCode = -9989
	BadStreamPtr                     PaErrorCode = -9988
	TimedOut                         PaErrorCode = -9987
	InternalError                    PaErrorCode = -9986
	DeviceUnavailable                PaErrorCode = -9985
	StreamIsStopped                  PaErrorCode = -9983
	StreamIsNotStopped               PaErrorCode = -9982
	InputOverflowed                  PaErrorCode = -9981
	OutputUnderflowed                PaErrorCode = -9980
	CanNotReadFromACallbackStream    PaErrorCode = -9977
	CanNotWriteToACallbackStream     PaErrorCode = -9976
	CanNotReadFromAnOutputOnlyStream PaErrorCode = -9975
	CanNotWriteToAnInputOnlyStream   PaErrorCode = -9974
	BadBufferPtr                     PaErrorCode = -9972
	StreamIsAborted                  PaErrorCode = -9900
)

var errorText = map[PaErrorCode]string{
	NoError:                          "Success",
	UnanticipatedHostErrorCode:       "Unanticipated host error",
	InvalidChannelCount:              "Invalid number of channels",
	InvalidSampleRate:                "Invalid sample rate",
	InvalidDevice:                    "Invalid device",
	InvalidFlag:                      "Invalid flag",
	SampleFormatNotSupported:         "Sample format not supported",
	BadIODeviceCombination:           "Illegal combination of I/O devices",
	InsufficientMemory:               "Insufficient memory",
	BufferTooBig:                     "Buffer too big",
	BufferTooSmall:                   "Buffer too small",
	NullCallback:                     "No callback routine specified",
	BadStreamPtr:                     "Invalid stream pointer",
	TimedOut:                         "Wait timed out",
	InternalError:                    "Internal PortAudio error",
	DeviceUnavailable:                "Device unavailable",
	StreamIsStopped:                  "Stream is stopped",
	StreamIsNotStopped:               "Stream is not stopped",
	InputOverflowed:                  "Input overflowed",
	OutputUnderflowed:                "Output underflowed",
	CanNotReadFromACallbackStream:    "Can't read from a callback stream",
	CanNotWriteToACallbackStream:     "Can't write to a callback stream",
	CanNotReadFromAnOutputOnlyStream: "Can't read from an output only stream",
	CanNotWriteToAnInputOnlyStream:   "Can't write to an input only stream",
	BadBufferPtr:                     "Bad buffer pointer",
	StreamIsAborted:                  "Stream was aborted",
}

// GetErrorText returns the human readable text for an error code.
func GetErrorText(code PaErrorCode) string {
	if text, ok := errorText[code]; ok {
		return text
	}
	return "Invalid error code"
}

type PaError struct {
	ErrorCode PaErrorCode
}

func (e *PaError) Error() string {
	return GetErrorText(e.ErrorCode)
}

// Is matches any *PaError carrying the same code.
func (e *PaError) Is(target error) bool {
	var pe *PaError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.ErrorCode == e.ErrorCode
}

var (
	ErrInvalidChannelCount              = &PaError{InvalidChannelCount}
	ErrInvalidSampleRate                = &PaError{InvalidSampleRate}
	ErrInvalidDevice                    = &PaError{InvalidDevice}
	ErrInvalidFlag                      = &PaError{InvalidFlag}
	ErrSampleFormatNotSupported         = &PaError{SampleFormatNotSupported}
	ErrInsufficientMemory               = &PaError{InsufficientMemory}
	ErrBufferTooBig                     = &PaError{BufferTooBig}
	ErrBufferTooSmall                   = &PaError{BufferTooSmall}
	ErrBadStreamPtr                     = &PaError{BadStreamPtr}
	ErrNullCallback                     = &PaError{NullCallback}
	ErrInternalError                    = &PaError{InternalError}
	ErrStreamIsStopped                  = &PaError{StreamIsStopped}
	ErrStreamIsNotStopped               = &PaError{StreamIsNotStopped}
	ErrInputOverflowed                  = &PaError{InputOverflowed}
	ErrOutputUnderflowed                = &PaError{OutputUnderflowed}
	ErrCanNotReadFromACallbackStream    = &PaError{CanNotReadFromACallbackStream}
	ErrCanNotWriteToACallbackStream     = &PaError{CanNotWriteToACallbackStream}
	ErrCanNotReadFromAnOutputOnlyStream = &PaError{CanNotReadFromAnOutputOnlyStream}
	ErrCanNotWriteToAnInputOnlyStream   = &PaError{CanNotWriteToAnInputOnlyStream}
	ErrBadBufferPtr                     = &PaError{BadBufferPtr}
	ErrStreamIsAborted                  = &PaError{StreamIsAborted}
)

// UnanticipatedHostError represents a failure inside a host back-end
// (device loss, driver error) observed while the stream was running.
type UnanticipatedHostError struct {
	HostApi string
	Err     error
}

func (e *UnanticipatedHostError) Error() string {
	return fmt.Sprintf("%s [%s: %v]", GetErrorText(UnanticipatedHostErrorCode), e.HostApi, e.Err)
}

func (e *UnanticipatedHostError) Unwrap() error {
	return e.Err
}
