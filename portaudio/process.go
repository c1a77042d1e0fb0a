package portaudio

import (
	"fmt"
	"log/slog"
)

// maxFramesPerBuffer bounds user and host buffer sizes accepted at open time.
const maxFramesPerBuffer = 1 << 20

// BufferProcessorConfig is the fixed shape of a stream as seen by its
// BufferProcessor.
type BufferProcessorConfig struct {
	InputChannelCount int
	UserInputFormat   PaSampleFormat
	HostInputFormat   PaSampleFormat

	OutputChannelCount int
	UserOutputFormat   PaSampleFormat
	HostOutputFormat   PaSampleFormat

	SampleRate float64
	Flags      PaStreamFlags

	// FramesPerUserBuffer is the callback buffer size. 0 lets every
	// callback receive whatever the host delivered.
	FramesPerUserBuffer int
	// FramesPerHostBuffer is the maximum host delivery size.
	FramesPerHostBuffer int
	HostBufferSizeMode  HostBufferSizeMode

	Callback StreamCallback
	Logger   *slog.Logger
}

type hostChannel struct {
	data   []byte
	stride int // in samples
}

// processorSide holds one direction (input or output) of a BufferProcessor.
type processorSide struct {
	channels   int
	userPlanar bool
	userSize   int
	hostSize   int

	// convert is host->user for input and user->host for output.
	convert  ConverterFunc
	zeroUser ZeroerFunc
	zeroHost ZeroerFunc

	// temp is user-format scratch holding up to tempFrames frames.
	temp       []byte
	tempFrames int

	// Per delivery. The second segment covers host buffers that wrap.
	host       [2][]hostChannel
	hostFrames [2]int
	hostPos    int
	silent     bool
}

func newProcessorSide(channels int, user, host PaSampleFormat, flags PaStreamFlags, tempFrames int, input bool) (*processorSide, error) {
	if channels < 0 {
		return nil, ErrInvalidChannelCount
	}

	var convert ConverterFunc
	var err error
	if input {
		convert, err = SelectConverter(host, user, flags)
	} else {
		convert, err = SelectConverter(user, host, flags)
	}
	if err != nil {
		return nil, err
	}

	zeroUser, err := SelectZeroer(user)
	if err != nil {
		return nil, err
	}
	zeroHost, err := SelectZeroer(host)
	if err != nil {
		return nil, err
	}

	s := &processorSide{
		channels:   channels,
		userPlanar: user.IsNonInterleaved(),
		userSize:   GetSampleSize(user),
		hostSize:   GetSampleSize(host),
		convert:    convert,
		zeroUser:   zeroUser,
		zeroHost:   zeroHost,
		tempFrames: tempFrames,
	}
	s.temp = make([]byte, tempFrames*s.frameBytes())
	s.host[0] = make([]hostChannel, channels)
	s.host[1] = make([]hostChannel, channels)
	return s, nil
}

func (s *processorSide) frameBytes() int {
	return s.channels * s.userSize
}

func (s *processorSide) total() int {
	return s.hostFrames[0] + s.hostFrames[1]
}

func (s *processorSide) remaining() int {
	return s.total() - s.hostPos
}

func (s *processorSide) begin(silent bool) {
	s.hostFrames = [2]int{}
	s.hostPos = 0
	s.silent = silent
	for seg := range s.host {
		clear(s.host[seg])
	}
}

func (s *processorSide) setChannel(seg, channel int, data []byte, stride int) {
	if channel < 0 || channel >= s.channels {
		panic(fmt.Sprintf("portaudio: channel %d out of range [0, %d)", channel, s.channels))
	}
	s.host[seg][channel] = hostChannel{data: data, stride: stride}
}

func (s *processorSide) setInterleaved(seg, firstChannel int, data []byte, channelCount int) {
	if channelCount == 0 {
		channelCount = s.channels - firstChannel
	}
	for i := 0; i < channelCount; i++ {
		var chData []byte
		if data != nil {
			chData = data[i*s.hostSize:]
		}
		s.setChannel(seg, firstChannel+i, chData, channelCount)
	}
}

// userOffset locates channel ch of frame in a user buffer laid out for
// layoutFrames frames. Planar channels follow one another.
func (s *processorSide) userOffset(frame, layoutFrames, ch int) (offset, stride int) {
	if s.userPlanar {
		return (ch*layoutFrames + frame) * s.userSize, 1
	}
	return (frame*s.channels + ch) * s.userSize, s.channels
}

func (s *processorSide) segmentAt(pos int) (seg, offset, avail int) {
	if pos < s.hostFrames[0] {
		return 0, pos, s.hostFrames[0] - pos
	}
	pos -= s.hostFrames[0]
	return 1, pos, s.hostFrames[1] - pos
}

// hostToUser converts n host frames at hostPos into user frames starting at
// userFrame and advances hostPos. Unregistered channels and silent
// deliveries read as silence.
func (s *processorSide) hostToUser(user []byte, layoutFrames, userFrame, n int, d *TriangularDither) int {
	done := 0
	for done < n {
		seg, off, avail := s.segmentAt(s.hostPos)
		if avail <= 0 {
			break
		}
		count := min(n-done, avail)
		for ch := 0; ch < s.channels; ch++ {
			uo, us := s.userOffset(userFrame+done, layoutFrames, ch)
			hc := s.host[seg][ch]
			if s.silent || hc.data == nil {
				s.zeroUser(user[uo:], us, count)
				continue
			}
			s.convert(user[uo:], us, hc.data[off*hc.stride*s.hostSize:], hc.stride, count, d)
		}
		done += count
		s.hostPos += count
	}
	return done
}

// userToHost converts n user frames starting at userFrame into the host
// buffers at hostPos and advances hostPos.
func (s *processorSide) userToHost(user []byte, layoutFrames, userFrame, n int, d *TriangularDither) int {
	done := 0
	for done < n {
		seg, off, avail := s.segmentAt(s.hostPos)
		if avail <= 0 {
			break
		}
		count := min(n-done, avail)
		for ch := 0; ch < s.channels; ch++ {
			hc := s.host[seg][ch]
			if hc.data == nil {
				continue
			}
			uo, us := s.userOffset(userFrame+done, layoutFrames, ch)
			s.convert(hc.data[off*hc.stride*s.hostSize:], hc.stride, user[uo:], us, count, d)
		}
		done += count
		s.hostPos += count
	}
	return done
}

func (s *processorSide) zeroHostFrames(n int) int {
	done := 0
	for done < n {
		seg, off, avail := s.segmentAt(s.hostPos)
		if avail <= 0 {
			break
		}
		count := min(n-done, avail)
		for ch := 0; ch < s.channels; ch++ {
			hc := s.host[seg][ch]
			if hc.data != nil {
				s.zeroHost(hc.data[off*hc.stride*s.hostSize:], hc.stride, count)
			}
		}
		done += count
		s.hostPos += count
	}
	return done
}

func (s *processorSide) zeroUserFrames(user []byte, layoutFrames, userFrame, n int) {
	for ch := 0; ch < s.channels; ch++ {
		uo, us := s.userOffset(userFrame, layoutFrames, ch)
		s.zeroUser(user[uo:], us, n)
	}
}

// BufferProcessor adapts host deliveries to user callbacks: it converts
// sample formats, re-blocks host buffers into user buffers of
// FramesPerUserBuffer frames and computes callback timestamps.
//
// A BufferProcessor is driven by exactly one host goroutine. It does not
// allocate while processing.
type BufferProcessor struct {
	input  *processorSide
	output *processorSide

	framesPerUserBuffer int
	framesPerHostBuffer int
	adapting            bool
	flags               PaStreamFlags
	samplePeriod        float64

	callback StreamCallback
	logger   *slog.Logger
	dither   *TriangularDither

	// Adapting-mode carry between deliveries. Output frames drain from
	// the tail of the output temp buffer.
	framesInTempInput         int
	framesInTempOutput        int
	initialFramesInTempOutput int

	hostTime     StreamCallbackTimeInfo
	timeInfo     StreamCallbackTimeInfo
	pendingFlags StreamCallbackFlags
	priming      bool
	noInput      bool

	result StreamCallbackResult
}

// NewBufferProcessor validates cfg, selects converters and allocates all
// scratch storage.
func NewBufferProcessor(cfg BufferProcessorConfig) (*BufferProcessor, error) {
	ci, co := cfg.InputChannelCount, cfg.OutputChannelCount
	if ci < 0 || co < 0 || (ci == 0 && co == 0) {
		return nil, ErrInvalidChannelCount
	}
	if cfg.SampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if cfg.Flags&^(validStreamFlags|PlatformSpecificFlags) != 0 {
		return nil, ErrInvalidFlag
	}
	u := cfg.FramesPerUserBuffer
	if cfg.Flags&NeverDropInput != 0 && (ci == 0 || co == 0 || u != 0) {
		return nil, fmt.Errorf("%w: NeverDropInput needs a full-duplex stream with unspecified frames per buffer", ErrInvalidFlag)
	}
	if u < 0 {
		return nil, ErrBufferTooSmall
	}
	if u > maxFramesPerBuffer || cfg.FramesPerHostBuffer > maxFramesPerBuffer {
		return nil, ErrBufferTooBig
	}
	if cfg.FramesPerHostBuffer <= 0 {
		return nil, fmt.Errorf("%w: host frames per buffer must be positive", ErrBufferTooSmall)
	}
	if cfg.Callback == nil {
		return nil, ErrNullCallback
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bp := &BufferProcessor{
		framesPerUserBuffer: u,
		framesPerHostBuffer: cfg.FramesPerHostBuffer,
		adapting:            u > 0 && !(cfg.HostBufferSizeMode == HostBufferSizeFixed && cfg.FramesPerHostBuffer%u == 0),
		flags:               cfg.Flags,
		samplePeriod:        1 / cfg.SampleRate,
		callback:            cfg.Callback,
		logger:              logger,
		dither:              NewTriangularDither(),
	}

	tempFrames := u
	if u == 0 {
		tempFrames = cfg.FramesPerHostBuffer
	}

	var err error
	if ci > 0 {
		bp.input, err = newProcessorSide(ci, cfg.UserInputFormat, cfg.HostInputFormat, cfg.Flags, tempFrames, true)
		if err != nil {
			return nil, err
		}
	}
	if co > 0 {
		bp.output, err = newProcessorSide(co, cfg.UserOutputFormat, cfg.HostOutputFormat, cfg.Flags, tempFrames, false)
		if err != nil {
			return nil, err
		}
	}

	if bp.adapting && bp.input != nil && bp.output != nil {
		bp.initialFramesInTempOutput = u
	}

	bp.Reset()
	return bp, nil
}

// Reset clears partial-buffer state and any terminal callback result.
// Dither state is preserved. Must not run concurrently with processing.
func (bp *BufferProcessor) Reset() {
	bp.framesInTempInput = 0
	bp.framesInTempOutput = bp.initialFramesInTempOutput
	if bp.output != nil && bp.initialFramesInTempOutput > 0 {
		bp.output.zeroUserFrames(bp.output.temp, bp.framesPerUserBuffer, 0, bp.framesPerUserBuffer)
	}
	bp.pendingFlags = 0
	bp.result = Continue
}

// InputLatencyFrames returns the input delay added by the processor.
func (bp *BufferProcessor) InputLatencyFrames() int {
	if bp.input == nil || !bp.adapting {
		return 0
	}
	return bp.framesPerUserBuffer / 2
}

// OutputLatencyFrames returns the output delay added by the processor.
func (bp *BufferProcessor) OutputLatencyFrames() int {
	if bp.output == nil || !bp.adapting {
		return 0
	}
	return bp.framesPerUserBuffer/2 + bp.initialFramesInTempOutput
}

// FramesPerUserBuffer returns the callback buffer size, 0 if unspecified.
func (bp *BufferProcessor) FramesPerUserBuffer() int {
	return bp.framesPerUserBuffer
}

// BeginProcessing starts a host delivery. timeInfo carries the host's
// timestamps for the first frame of the delivery; flags are reported to the
// next callback.
func (bp *BufferProcessor) BeginProcessing(timeInfo *StreamCallbackTimeInfo, flags StreamCallbackFlags) {
	if timeInfo != nil {
		bp.hostTime = *timeInfo
	} else {
		bp.hostTime = StreamCallbackTimeInfo{}
	}
	bp.priming = flags&PrimingOutput != 0
	bp.pendingFlags |= flags &^ PrimingOutput
	bp.noInput = false

	if bp.input != nil {
		bp.input.begin(bp.priming)
	}
	if bp.output != nil {
		bp.output.begin(false)
	}
}

func (bp *BufferProcessor) SetInputFrameCount(frames int) {
	if bp.input != nil {
		bp.input.hostFrames[0] = frames
	}
}

func (bp *BufferProcessor) Set2ndInputFrameCount(frames int) {
	if bp.input != nil {
		bp.input.hostFrames[1] = frames
	}
}

// SetNoInput declares that the host has no input for this delivery. The
// callback receives silence and InputUnderflow.
func (bp *BufferProcessor) SetNoInput() {
	if bp.input == nil {
		return
	}
	bp.noInput = true
	bp.input.silent = true
	bp.pendingFlags |= InputUnderflow
}

// SetInputChannel registers a host buffer for one input channel. stride is
// the distance between consecutive samples, in samples.
func (bp *BufferProcessor) SetInputChannel(channel int, data []byte, stride int) {
	bp.input.setChannel(0, channel, data, stride)
}

func (bp *BufferProcessor) Set2ndInputChannel(channel int, data []byte, stride int) {
	bp.input.setChannel(1, channel, data, stride)
}

// SetInterleavedInputChannels registers channelCount interleaved channels
// starting at firstChannel. channelCount 0 means all remaining channels.
func (bp *BufferProcessor) SetInterleavedInputChannels(firstChannel int, data []byte, channelCount int) {
	bp.input.setInterleaved(0, firstChannel, data, channelCount)
}

func (bp *BufferProcessor) Set2ndInterleavedInputChannels(firstChannel int, data []byte, channelCount int) {
	bp.input.setInterleaved(1, firstChannel, data, channelCount)
}

func (bp *BufferProcessor) SetNonInterleavedInputChannel(channel int, data []byte) {
	bp.input.setChannel(0, channel, data, 1)
}

func (bp *BufferProcessor) Set2ndNonInterleavedInputChannel(channel int, data []byte) {
	bp.input.setChannel(1, channel, data, 1)
}

func (bp *BufferProcessor) SetOutputFrameCount(frames int) {
	if bp.output != nil {
		bp.output.hostFrames[0] = frames
	}
}

func (bp *BufferProcessor) Set2ndOutputFrameCount(frames int) {
	if bp.output != nil {
		bp.output.hostFrames[1] = frames
	}
}

// SetOutputChannel registers a host buffer for one output channel.
func (bp *BufferProcessor) SetOutputChannel(channel int, data []byte, stride int) {
	bp.output.setChannel(0, channel, data, stride)
}

func (bp *BufferProcessor) Set2ndOutputChannel(channel int, data []byte, stride int) {
	bp.output.setChannel(1, channel, data, stride)
}

func (bp *BufferProcessor) SetInterleavedOutputChannels(firstChannel int, data []byte, channelCount int) {
	bp.output.setInterleaved(0, firstChannel, data, channelCount)
}

func (bp *BufferProcessor) Set2ndInterleavedOutputChannels(firstChannel int, data []byte, channelCount int) {
	bp.output.setInterleaved(1, firstChannel, data, channelCount)
}

func (bp *BufferProcessor) SetNonInterleavedOutputChannel(channel int, data []byte) {
	bp.output.setChannel(0, channel, data, 1)
}

func (bp *BufferProcessor) Set2ndNonInterleavedOutputChannel(channel int, data []byte) {
	bp.output.setChannel(1, channel, data, 1)
}

// EndProcessing runs the callback over the registered host buffers and
// returns the number of host frames processed together with the callback's
// latest result. Once the callback returned Complete or Abort no further
// callbacks are made and host output is filled with silence.
func (bp *BufferProcessor) EndProcessing() (int, StreamCallbackResult) {
	if bp.noInput {
		// Silence stands in for as many frames as the output side needs.
		n := 0
		if bp.output != nil {
			n = bp.output.total()
		}
		bp.input.hostFrames = [2]int{n, 0}
	}

	var frames int
	if bp.adapting {
		frames = bp.adaptingProcess()
	} else {
		frames = bp.nonAdaptingProcess()
	}
	return frames, bp.result
}

// CopyInput converts up to frames host input frames into user, laid out as a
// user buffer of frames frames, without invoking the callback. It returns
// the number of frames copied.
func (bp *BufferProcessor) CopyInput(user []byte, frames int) int {
	if bp.input == nil {
		return 0
	}
	if bp.noInput && bp.input.total() == 0 && bp.output != nil {
		bp.input.hostFrames = [2]int{bp.output.total(), 0}
	}
	n := min(frames, bp.input.remaining())
	return bp.input.hostToUser(user, frames, 0, n, bp.dither)
}

// CopyOutput converts up to frames user frames into the host output
// buffers without invoking the callback.
func (bp *BufferProcessor) CopyOutput(user []byte, frames int) int {
	if bp.output == nil {
		return 0
	}
	n := min(frames, bp.output.remaining())
	return bp.output.userToHost(user, frames, 0, n, bp.dither)
}

// ZeroOutput writes up to frames frames of silence into the host output.
func (bp *BufferProcessor) ZeroOutput(frames int) int {
	if bp.output == nil {
		return 0
	}
	return bp.output.zeroHostFrames(min(frames, bp.output.remaining()))
}

// IsOutputEmpty reports whether no callback output is waiting to be
// copied to the host.
func (bp *BufferProcessor) IsOutputEmpty() bool {
	return bp.framesInTempOutput == 0
}

// setTimes computes the timestamps of the next callback from the host
// frame offsets of its first input and output frames.
func (bp *BufferProcessor) setTimes(inputOffset, outputOffset int) {
	bp.timeInfo.CurrentTime = bp.hostTime.CurrentTime
	bp.timeInfo.InputBufferAdcTime = bp.hostTime.InputBufferAdcTime + PaTime(float64(inputOffset)*bp.samplePeriod)
	bp.timeInfo.OutputBufferDacTime = bp.hostTime.OutputBufferDacTime + PaTime(float64(outputOffset)*bp.samplePeriod)
}

func (bp *BufferProcessor) invoke(input, output []byte, frames int) (result StreamCallbackResult) {
	defer func() {
		if r := recover(); r != nil {
			bp.logger.Error("panic in audio callback", "panic", r)
			result = Abort
		}
	}()

	flags := bp.pendingFlags
	if bp.priming {
		flags |= PrimingOutput
	}
	bp.pendingFlags = 0

	result = bp.callback(input, output, uint(frames), &bp.timeInfo, flags)
	if result != Continue && result != Complete {
		result = Abort
	}
	return result
}

// nonAdaptingProcess runs when every host delivery holds whole user
// buffers, or when the user accepts any size.
func (bp *BufferProcessor) nonAdaptingProcess() int {
	in, out := bp.input, bp.output

	var frames int
	switch {
	case in != nil && out != nil:
		frames = min(in.total(), out.total())
	case in != nil:
		frames = in.total()
	default:
		frames = out.total()
	}

	for processed := 0; processed < frames; {
		chunk := frames - processed
		if bp.framesPerUserBuffer > 0 {
			chunk = min(chunk, bp.framesPerUserBuffer)
		}
		chunk = min(chunk, bp.framesPerHostBuffer)

		var userIn, userOut []byte
		inOffset := 0
		if in != nil {
			inOffset = in.hostPos
			userIn = in.temp[:chunk*in.frameBytes()]
			in.hostToUser(userIn, chunk, 0, chunk, bp.dither)
		}
		if out != nil {
			userOut = out.temp[:chunk*out.frameBytes()]
		}

		if bp.result == Continue {
			outOffset := 0
			if out != nil {
				outOffset = out.hostPos
			}
			bp.setTimes(inOffset, outOffset)
			bp.result = bp.invoke(userIn, userOut, chunk)
			if out != nil {
				if bp.result == Abort {
					out.zeroHostFrames(chunk)
				} else {
					out.userToHost(userOut, chunk, 0, chunk, bp.dither)
				}
			}
		} else if out != nil {
			out.zeroHostFrames(chunk)
		}
		processed += chunk
	}

	if in != nil && out != nil {
		if rest := in.remaining(); rest > 0 {
			if bp.flags&NeverDropInput != 0 && bp.result == Continue {
				bp.drainInputOnly()
			} else {
				in.hostPos += rest
				bp.pendingFlags |= InputOverflow
			}
		}
		if rest := out.remaining(); rest > 0 {
			out.zeroHostFrames(rest)
			bp.pendingFlags |= OutputUnderflow
		}
	}

	return bp.framesProcessed()
}

// drainInputOnly hands surplus input of a full-duplex delivery to the
// callback with no output buffer.
func (bp *BufferProcessor) drainInputOnly() {
	in := bp.input
	for in.remaining() > 0 && bp.result == Continue {
		chunk := min(in.remaining(), bp.framesPerHostBuffer)
		inOffset := in.hostPos
		userIn := in.temp[:chunk*in.frameBytes()]
		in.hostToUser(userIn, chunk, 0, chunk, bp.dither)
		bp.setTimes(inOffset, bp.output.hostPos)
		bp.result = bp.invoke(userIn, nil, chunk)
	}
	in.hostPos = in.total()
}

// adaptingProcess carries partial user buffers across deliveries. Each pass
// fills the input temp buffer, drains the output temp buffer, and calls back
// once the input is full and the output empty.
func (bp *BufferProcessor) adaptingProcess() int {
	in, out := bp.input, bp.output
	u := bp.framesPerUserBuffer

	for {
		progressed := false

		if in != nil && bp.framesInTempInput < u {
			if n := min(u-bp.framesInTempInput, in.remaining()); n > 0 {
				in.hostToUser(in.temp, u, bp.framesInTempInput, n, bp.dither)
				bp.framesInTempInput += n
				progressed = true
			}
		}

		if out != nil && bp.framesInTempOutput > 0 {
			if n := min(bp.framesInTempOutput, out.remaining()); n > 0 {
				out.userToHost(out.temp, u, u-bp.framesInTempOutput, n, bp.dither)
				bp.framesInTempOutput -= n
				progressed = true
			}
		}

		inputReady := in == nil || bp.framesInTempInput == u
		outputReady := out == nil || bp.framesInTempOutput == 0

		switch {
		case bp.result != Continue:
			if in != nil && (bp.framesInTempInput > 0 || in.remaining() > 0) {
				bp.framesInTempInput = 0
				in.hostPos = in.total()
				progressed = true
			}
			if out != nil && outputReady && out.remaining() > 0 {
				out.zeroHostFrames(out.remaining())
				progressed = true
			}

		case inputReady && outputReady && (in != nil || out.remaining() > 0):
			var userIn, userOut []byte
			inOffset, outOffset := 0, 0
			if in != nil {
				userIn = in.temp
				inOffset = in.hostPos - u
			}
			if out != nil {
				userOut = out.temp
				outOffset = out.hostPos
			}
			bp.setTimes(inOffset, outOffset)
			bp.result = bp.invoke(userIn, userOut, u)

			bp.framesInTempInput = 0
			if bp.result == Abort {
				bp.framesInTempOutput = 0
			} else if out != nil {
				bp.framesInTempOutput = u
			}
			progressed = true
		}

		if !progressed {
			break
		}
	}

	if in != nil && in.remaining() > 0 {
		in.hostPos = in.total()
		bp.pendingFlags |= InputOverflow
	}
	if out != nil && out.remaining() > 0 {
		out.zeroHostFrames(out.remaining())
		bp.pendingFlags |= OutputUnderflow
	}

	return bp.framesProcessed()
}

func (bp *BufferProcessor) framesProcessed() int {
	n := 0
	if bp.input != nil {
		n = bp.input.hostPos
	}
	if bp.output != nil {
		n = max(n, bp.output.hostPos)
	}
	return n
}
