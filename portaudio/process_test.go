package portaudio

import (
	"errors"
	"math/rand"
	"testing"
)

var testHostTime = StreamCallbackTimeInfo{
	InputBufferAdcTime:  1.0,
	CurrentTime:         1.01,
	OutputBufferDacTime: 1.02,
}

type recordedCall struct {
	frames uint
	time   StreamCallbackTimeInfo
	flags  StreamCallbackFlags
	input  []byte
	output bool
}

// recorder is a test callback that echoes input to output (or writes a ramp
// when there is no input) and records every invocation.
type recorder struct {
	calls   []recordedCall
	ramp    float32
	results map[int]StreamCallbackResult
}

func (r *recorder) callback(input, output []byte, frameCount uint, timeInfo *StreamCallbackTimeInfo, statusFlags StreamCallbackFlags) StreamCallbackResult {
	call := recordedCall{frames: frameCount, time: *timeInfo, flags: statusFlags, output: output != nil}
	if input != nil {
		call.input = append([]byte(nil), input...)
	}
	r.calls = append(r.calls, call)

	switch {
	case output != nil && input != nil && len(output) == len(input):
		copy(output, input)
	case output != nil:
		for i := 0; i+4 <= len(output); i += 4 {
			writeFloat32(output[i:], r.ramp)
			r.ramp++
		}
	}

	if res, ok := r.results[len(r.calls)]; ok {
		return res
	}
	return Continue
}

func (r *recorder) totalFrames() int {
	n := 0
	for _, c := range r.calls {
		n += int(c.frames)
	}
	return n
}

func stereoRamp(frames, start int) []byte {
	b := make([]byte, frames*2*4)
	for i := 0; i < frames; i++ {
		writeFloat32(b[8*i:], float32(start+i))
		writeFloat32(b[8*i+4:], -float32(start+i))
	}
	return b
}

func duplexConfig(r *recorder, user, hostFrames int, mode HostBufferSizeMode) BufferProcessorConfig {
	return BufferProcessorConfig{
		InputChannelCount:   2,
		UserInputFormat:     SampleFmtFloat32,
		HostInputFormat:     SampleFmtFloat32,
		OutputChannelCount:  2,
		UserOutputFormat:    SampleFmtFloat32,
		HostOutputFormat:    SampleFmtFloat32,
		SampleRate:          48000,
		FramesPerUserBuffer: user,
		FramesPerHostBuffer: hostFrames,
		HostBufferSizeMode:  mode,
		Callback:            r.callback,
	}
}

func mustProcessor(t *testing.T, cfg BufferProcessorConfig) *BufferProcessor {
	t.Helper()
	bp, err := NewBufferProcessor(cfg)
	if err != nil {
		t.Fatalf("NewBufferProcessor failed: %v", err)
	}
	return bp
}

// deliverDuplex runs one interleaved full-duplex host delivery.
func deliverDuplex(bp *BufferProcessor, in, out []byte, frames int, flags StreamCallbackFlags) (int, StreamCallbackResult) {
	bp.BeginProcessing(&testHostTime, flags)
	bp.SetInputFrameCount(frames)
	bp.SetInterleavedInputChannels(0, in, 2)
	bp.SetOutputFrameCount(frames)
	bp.SetInterleavedOutputChannels(0, out, 2)
	return bp.EndProcessing()
}

// TestProcessorUserSmallerThanHost tests re-blocking a 200-frame delivery
// into 64-frame callbacks
func TestProcessorUserSmallerThanHost(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 64, 256, HostBufferSizeBounded))

	in := stereoRamp(200, 0)
	out := make([]byte, len(in))
	frames, result := deliverDuplex(bp, in, out, 200, 0)

	if frames != 200 || result != Continue {
		t.Fatalf("EndProcessing = (%d, %v), want (200, Continue)", frames, result)
	}
	if len(r.calls) != 3 {
		t.Fatalf("callbacks = %d, want 3", len(r.calls))
	}
	for i, c := range r.calls {
		if c.frames != 64 {
			t.Errorf("callback %d frames = %d, want 64", i, c.frames)
		}
		if i > 0 {
			prev := r.calls[i-1].time
			if c.time.InputBufferAdcTime <= prev.InputBufferAdcTime || c.time.OutputBufferDacTime <= prev.OutputBufferDacTime {
				t.Errorf("callback %d timing not increasing: %+v after %+v", i, c.time, prev)
			}
		}
	}
	// 192 counts frames produced by the callback. The host buffer itself
	// holds 64 frames of initial silence followed by 136 callback frames;
	// the remaining 56 callback frames stay queued for the next delivery.
	if r.totalFrames() != 192 {
		t.Errorf("user frames = %d, want 192", r.totalFrames())
	}
	if bp.framesInTempInput != 8 {
		t.Errorf("carried input frames = %d, want 8", bp.framesInTempInput)
	}

	// One user buffer of silence precedes the echoed input.
	for i := 0; i < 200; i++ {
		l := readFloat32(out[8*i:])
		want := float32(0)
		if i >= 64 {
			want = float32(i - 64)
		}
		if l != want {
			t.Fatalf("host output frame %d = %v, want %v", i, l, want)
		}
	}
}

// TestProcessorUserLargerThanHost tests accumulating 64-frame deliveries
// into a 256-frame callback
func TestProcessorUserLargerThanHost(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 256, 64, HostBufferSizeFixed))

	wantCalls := []int{0, 0, 0, 1, 1}
	for d := 0; d < 5; d++ {
		in := stereoRamp(64, 64*d)
		out := make([]byte, len(in))
		deliverDuplex(bp, in, out, 64, 0)

		if len(r.calls) != wantCalls[d] {
			t.Fatalf("after delivery %d: callbacks = %d, want %d", d+1, len(r.calls), wantCalls[d])
		}
	}

	if r.calls[0].frames != 256 {
		t.Errorf("callback frames = %d, want 256", r.calls[0].frames)
	}
	if bp.framesInTempInput != 64 {
		t.Errorf("carried input frames = %d, want 64", bp.framesInTempInput)
	}

	// The callback saw the first 256 input frames in order.
	for i := 0; i < 256; i++ {
		if v := readFloat32(r.calls[0].input[8*i:]); v != float32(i) {
			t.Fatalf("callback input frame %d = %v, want %d", i, v, i)
		}
	}
}

// TestProcessorFrameAccounting tests that callback frames track whole user
// buffers over arbitrary delivery sizes
func TestProcessorFrameAccounting(t *testing.T) {
	for _, u := range []int{1, 7, 64, 100, 256} {
		r := &recorder{}
		bp := mustProcessor(t, duplexConfig(r, u, 300, HostBufferSizeBounded))
		rng := rand.New(rand.NewSource(int64(u)))

		sum := 0
		for k := 0; k < 200; k++ {
			h := 1 + rng.Intn(300)
			in := stereoRamp(h, sum)
			out := make([]byte, len(in))
			frames, _ := deliverDuplex(bp, in, out, h, 0)
			if frames != h {
				t.Fatalf("U=%d delivery %d: processed %d of %d frames", u, k, frames, h)
			}
			sum += h

			if got, want := r.totalFrames(), sum/u*u; got != want {
				t.Fatalf("U=%d after %d deliveries: callback frames %d, want %d", u, k+1, got, want)
			}
		}
	}
}

// TestProcessorNonAdapting tests lockstep processing when host buffers hold
// whole user buffers
func TestProcessorNonAdapting(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 64, 256, HostBufferSizeFixed))

	if bp.adapting {
		t.Fatal("expected non-adapting mode for fixed 256-frame host buffers")
	}
	if bp.InputLatencyFrames() != 0 || bp.OutputLatencyFrames() != 0 {
		t.Errorf("latency = %d/%d, want 0/0", bp.InputLatencyFrames(), bp.OutputLatencyFrames())
	}

	in := stereoRamp(256, 0)
	out := make([]byte, len(in))
	deliverDuplex(bp, in, out, 256, 0)

	if len(r.calls) != 4 {
		t.Fatalf("callbacks = %d, want 4", len(r.calls))
	}
	for i := 0; i < 256; i++ {
		if v := readFloat32(out[8*i+4:]); v != -float32(i) {
			t.Fatalf("host output frame %d = %v, want %d", i, v, -i)
		}
	}
	if dac := r.calls[1].time.OutputBufferDacTime - r.calls[0].time.OutputBufferDacTime; dac <= 0 {
		t.Errorf("dac time step = %v, want positive", dac)
	}
}

// TestProcessorUnspecifiedFramesPerBuffer tests that U=0 hands each delivery
// to a single callback
func TestProcessorUnspecifiedFramesPerBuffer(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 0, 512, HostBufferSizeBounded))

	for _, h := range []int{100, 512, 37} {
		in := stereoRamp(h, 0)
		out := make([]byte, len(in))
		deliverDuplex(bp, in, out, h, 0)
		if last := r.calls[len(r.calls)-1]; int(last.frames) != h {
			t.Errorf("callback frames = %d, want %d", last.frames, h)
		}
	}
	if len(r.calls) != 3 {
		t.Errorf("callbacks = %d, want 3", len(r.calls))
	}
}

// TestProcessorLatency tests the latency reported in adapting mode
func TestProcessorLatency(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 64, 200, HostBufferSizeBounded))
	if got := bp.InputLatencyFrames(); got != 32 {
		t.Errorf("InputLatencyFrames = %d, want 32", got)
	}
	if got := bp.OutputLatencyFrames(); got != 96 {
		t.Errorf("OutputLatencyFrames = %d, want 96", got)
	}
}

// TestProcessorOutputOnlyConversion tests float32 user output into an int16
// host buffer
func TestProcessorOutputOnlyConversion(t *testing.T) {
	cb := func(input, output []byte, frameCount uint, _ *StreamCallbackTimeInfo, _ StreamCallbackFlags) StreamCallbackResult {
		if input != nil {
			t.Error("output-only stream received input")
		}
		for i := 0; i < int(frameCount); i++ {
			writeFloat32(output[4*i:], 0.5)
		}
		return Continue
	}
	bp := mustProcessor(t, BufferProcessorConfig{
		OutputChannelCount:  1,
		UserOutputFormat:    SampleFmtFloat32,
		HostOutputFormat:    SampleFmtInt16,
		SampleRate:          44100,
		Flags:               DitherOff,
		FramesPerUserBuffer: 48,
		FramesPerHostBuffer: 100,
		HostBufferSizeMode:  HostBufferSizeBounded,
		Callback:            cb,
	})

	out := make([]byte, 2*100)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetOutputFrameCount(100)
	bp.SetInterleavedOutputChannels(0, out, 1)
	frames, _ := bp.EndProcessing()

	if frames != 100 {
		t.Fatalf("frames = %d, want 100", frames)
	}
	for i, v := range int16Values(out) {
		if v != 16384 {
			t.Fatalf("sample %d = %d, want 16384", i, v)
		}
	}
	if bp.IsOutputEmpty() {
		t.Error("expected carried output after 100 of 144 frames")
	}
}

// TestProcessorNonInterleavedUser tests the planar user buffer layout
func TestProcessorNonInterleavedUser(t *testing.T) {
	var got []int16
	cb := func(input, _ []byte, frameCount uint, _ *StreamCallbackTimeInfo, _ StreamCallbackFlags) StreamCallbackResult {
		got = append(got, int16Values(input)...)
		return Continue
	}
	bp := mustProcessor(t, BufferProcessorConfig{
		InputChannelCount:   2,
		UserInputFormat:     SampleFmtInt16 | NonInterleaved,
		HostInputFormat:     SampleFmtInt16,
		SampleRate:          44100,
		FramesPerUserBuffer: 4,
		FramesPerHostBuffer: 4,
		HostBufferSizeMode:  HostBufferSizeFixed,
		Callback:            cb,
	})

	in := int16Bytes(1, -1, 2, -2, 3, -3, 4, -4)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetInputFrameCount(4)
	bp.SetInterleavedInputChannels(0, in, 2)
	bp.EndProcessing()

	want := []int16{1, 2, 3, 4, -1, -2, -3, -4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestProcessorNonInterleavedHost tests per-channel host buffers
func TestProcessorNonInterleavedHost(t *testing.T) {
	r := &recorder{}
	cfg := duplexConfig(r, 0, 16, HostBufferSizeBounded)
	cfg.InputChannelCount = 0
	bp := mustProcessor(t, cfg)

	left := make([]byte, 4*8)
	right := make([]byte, 4*8)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetOutputFrameCount(8)
	bp.SetNonInterleavedOutputChannel(0, left)
	bp.SetNonInterleavedOutputChannel(1, right)
	bp.EndProcessing()

	for i := 0; i < 8; i++ {
		if l, rv := readFloat32(left[4*i:]), readFloat32(right[4*i:]); l != float32(2*i) || rv != float32(2*i+1) {
			t.Fatalf("frame %d = (%v, %v), want (%d, %d)", i, l, rv, 2*i, 2*i+1)
		}
	}
}

// TestProcessorSplitHostBuffer tests deliveries registered as two segments
func TestProcessorSplitHostBuffer(t *testing.T) {
	r := &recorder{}
	cfg := duplexConfig(r, 32, 64, HostBufferSizeBounded)
	cfg.InputChannelCount = 0
	bp := mustProcessor(t, cfg)

	first := make([]byte, 8*40)
	second := make([]byte, 8*24)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetOutputFrameCount(40)
	bp.SetInterleavedOutputChannels(0, first, 0)
	bp.Set2ndOutputFrameCount(24)
	bp.Set2ndInterleavedOutputChannels(0, second, 0)
	frames, _ := bp.EndProcessing()

	if frames != 64 {
		t.Fatalf("frames = %d, want 64", frames)
	}
	for i := 0; i < 64; i++ {
		var v float32
		if i < 40 {
			v = readFloat32(first[8*i:])
		} else {
			v = readFloat32(second[8*(i-40):])
		}
		if v != float32(2*i) {
			t.Fatalf("frame %d = %v, want %d", i, v, 2*i)
		}
	}
}

// TestProcessorPriming tests that priming deliveries silence the input side
func TestProcessorPriming(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 0, 16, HostBufferSizeFixed))

	in := stereoRamp(16, 1)
	out := make([]byte, len(in))
	deliverDuplex(bp, in, out, 16, PrimingOutput)

	if len(r.calls) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(r.calls))
	}
	if r.calls[0].flags&PrimingOutput == 0 {
		t.Errorf("flags = %v, want PrimingOutput set", r.calls[0].flags)
	}
	for i, b := range r.calls[0].input {
		if b != 0 {
			t.Fatalf("priming input byte %d = %d, want silence", i, b)
		}
	}

	deliverDuplex(bp, in, out, 16, 0)
	if r.calls[1].flags&PrimingOutput != 0 {
		t.Error("PrimingOutput leaked into a regular delivery")
	}
	if v := readFloat32(r.calls[1].input); v != 1 {
		t.Errorf("first input sample after priming = %v, want 1", v)
	}
}

// TestProcessorNoInput tests SetNoInput silences input and flags underflow
func TestProcessorNoInput(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 0, 16, HostBufferSizeFixed))

	out := make([]byte, 8*16)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetNoInput()
	bp.SetOutputFrameCount(16)
	bp.SetInterleavedOutputChannels(0, out, 2)
	frames, _ := bp.EndProcessing()

	if frames != 16 || len(r.calls) != 1 {
		t.Fatalf("frames = %d callbacks = %d, want 16 and 1", frames, len(r.calls))
	}
	if r.calls[0].flags&InputUnderflow == 0 {
		t.Errorf("flags = %v, want InputUnderflow", r.calls[0].flags)
	}
	for i, b := range r.calls[0].input {
		if b != 0 {
			t.Fatalf("input byte %d = %d, want silence", i, b)
		}
	}
}

// TestProcessorFlagsCarry tests host flags reach the next callback even when
// the delivery that raised them made none
func TestProcessorFlagsCarry(t *testing.T) {
	r := &recorder{}
	bp := mustProcessor(t, duplexConfig(r, 128, 64, HostBufferSizeFixed))

	in := stereoRamp(64, 0)
	out := make([]byte, len(in))
	deliverDuplex(bp, in, out, 64, InputOverflow)
	deliverDuplex(bp, in, out, 64, 0)
	deliverDuplex(bp, in, out, 64, 0)
	deliverDuplex(bp, in, out, 64, 0)

	if len(r.calls) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(r.calls))
	}
	if r.calls[0].flags != InputOverflow {
		t.Errorf("first callback flags = %v, want InputOverflow", r.calls[0].flags)
	}
	if r.calls[1].flags != 0 {
		t.Errorf("second callback flags = %v, want none", r.calls[1].flags)
	}
}

// TestProcessorComplete tests that Complete stops callbacks, plays the
// queued buffer and then outputs silence
func TestProcessorComplete(t *testing.T) {
	r := &recorder{results: map[int]StreamCallbackResult{2: Complete}}
	cfg := duplexConfig(r, 32, 32, HostBufferSizeFixed)
	cfg.InputChannelCount = 0
	bp := mustProcessor(t, cfg)

	var last StreamCallbackResult
	outs := make([][]byte, 4)
	for d := range outs {
		outs[d] = make([]byte, 8*32)
		bp.BeginProcessing(&testHostTime, 0)
		bp.SetOutputFrameCount(32)
		bp.SetInterleavedOutputChannels(0, outs[d], 2)
		_, last = bp.EndProcessing()
	}

	if last != Complete {
		t.Errorf("result = %v, want Complete", last)
	}
	if len(r.calls) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(r.calls))
	}
	if v := readFloat32(outs[1][8:]); v != 66 {
		t.Errorf("completing buffer was not played: got %v, want 66", v)
	}
	for _, b := range outs[3] {
		if b != 0 {
			t.Fatal("output after completion is not silent")
		}
	}

	bp.Reset()
	deliverOut := make([]byte, 8*32)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetOutputFrameCount(32)
	bp.SetInterleavedOutputChannels(0, deliverOut, 2)
	if _, res := bp.EndProcessing(); res != Continue || len(r.calls) != 3 {
		t.Errorf("after Reset: result %v callbacks %d, want Continue and 3", res, len(r.calls))
	}
}

// TestProcessorAbort tests that Abort discards the aborting buffer
func TestProcessorAbort(t *testing.T) {
	r := &recorder{results: map[int]StreamCallbackResult{1: Abort}, ramp: 1}
	cfg := duplexConfig(r, 16, 16, HostBufferSizeFixed)
	cfg.InputChannelCount = 0
	bp := mustProcessor(t, cfg)

	out := make([]byte, 8*16)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetOutputFrameCount(16)
	bp.SetInterleavedOutputChannels(0, out, 2)
	if _, res := bp.EndProcessing(); res != Abort {
		t.Fatalf("result = %v, want Abort", res)
	}
	for _, b := range out {
		if b != 0 {
			t.Fatal("aborted buffer reached the host")
		}
	}
}

// TestProcessorCallbackPanic tests that a panicking callback aborts
func TestProcessorCallbackPanic(t *testing.T) {
	cfg := BufferProcessorConfig{
		OutputChannelCount:  1,
		UserOutputFormat:    SampleFmtFloat32,
		HostOutputFormat:    SampleFmtFloat32,
		SampleRate:          48000,
		FramesPerHostBuffer: 8,
		Callback: func(_, _ []byte, _ uint, _ *StreamCallbackTimeInfo, _ StreamCallbackFlags) StreamCallbackResult {
			panic("boom")
		},
	}
	bp := mustProcessor(t, cfg)

	out := make([]byte, 4*8)
	bp.BeginProcessing(nil, 0)
	bp.SetOutputFrameCount(8)
	bp.SetInterleavedOutputChannels(0, out, 1)
	if _, res := bp.EndProcessing(); res != Abort {
		t.Errorf("result = %v, want Abort", res)
	}
}

// TestProcessorNeverDropInput tests surplus input reaches the callback
// without an output buffer
func TestProcessorNeverDropInput(t *testing.T) {
	r := &recorder{}
	cfg := duplexConfig(r, 0, 300, HostBufferSizeBounded)
	cfg.Flags = NeverDropInput
	bp := mustProcessor(t, cfg)

	in := stereoRamp(300, 0)
	out := make([]byte, 8*200)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetInputFrameCount(300)
	bp.SetInterleavedInputChannels(0, in, 2)
	bp.SetOutputFrameCount(200)
	bp.SetInterleavedOutputChannels(0, out, 2)
	frames, _ := bp.EndProcessing()

	if frames != 300 {
		t.Errorf("frames = %d, want 300", frames)
	}
	if len(r.calls) != 2 || r.calls[1].output || r.calls[1].frames != 100 {
		t.Fatalf("calls = %d, want a second input-only call of 100 frames", len(r.calls))
	}
	if v := readFloat32(r.calls[1].input); v != 200 {
		t.Errorf("surplus input starts at %v, want 200", v)
	}
}

// TestProcessorCopy tests the callback-free transfer operations
func TestProcessorCopy(t *testing.T) {
	r := &recorder{}
	cfg := duplexConfig(r, 0, 64, HostBufferSizeBounded)
	cfg.HostOutputFormat = SampleFmtInt16
	cfg.Flags = DitherOff
	bp := mustProcessor(t, cfg)

	in := stereoRamp(10, 0)
	out := make([]byte, 4*10)
	bp.BeginProcessing(&testHostTime, 0)
	bp.SetInputFrameCount(10)
	bp.SetInterleavedInputChannels(0, in, 2)
	bp.SetOutputFrameCount(10)
	bp.SetInterleavedOutputChannels(0, out, 2)

	user := make([]byte, 8*16)
	if n := bp.CopyInput(user, 16); n != 10 {
		t.Errorf("CopyInput = %d, want 10", n)
	}
	if v := readFloat32(user[8*9:]); v != 9 {
		t.Errorf("copied frame 9 = %v, want 9", v)
	}

	src := float32Bytes(1, -1, 0.5, -0.5)
	if n := bp.CopyOutput(src, 2); n != 2 {
		t.Errorf("CopyOutput = %d, want 2", n)
	}
	if n := bp.ZeroOutput(100); n != 8 {
		t.Errorf("ZeroOutput = %d, want 8", n)
	}
	got := int16Values(out)
	if got[0] != 32767 || got[1] != -32767 || got[2] != 16384 || got[4] != 0 {
		t.Errorf("host output = %v", got[:6])
	}
	if len(r.calls) != 0 {
		t.Errorf("copy operations invoked the callback %d times", len(r.calls))
	}
}

// TestNewBufferProcessorErrors tests configuration validation
func TestNewBufferProcessorErrors(t *testing.T) {
	r := &recorder{}
	tests := []struct {
		name   string
		modify func(*BufferProcessorConfig)
		want   error
	}{
		{"no channels", func(c *BufferProcessorConfig) { c.InputChannelCount, c.OutputChannelCount = 0, 0 }, ErrInvalidChannelCount},
		{"negative channels", func(c *BufferProcessorConfig) { c.InputChannelCount = -1 }, ErrInvalidChannelCount},
		{"sample rate", func(c *BufferProcessorConfig) { c.SampleRate = 0 }, ErrInvalidSampleRate},
		{"custom format", func(c *BufferProcessorConfig) { c.HostOutputFormat = SampleFmtCustom }, ErrSampleFormatNotSupported},
		{"unknown flag", func(c *BufferProcessorConfig) { c.Flags = 0x100 }, ErrInvalidFlag},
		{"never drop with user size", func(c *BufferProcessorConfig) { c.Flags = NeverDropInput }, ErrInvalidFlag},
		{"never drop simplex", func(c *BufferProcessorConfig) {
			c.Flags = NeverDropInput
			c.FramesPerUserBuffer = 0
			c.InputChannelCount = 0
		}, ErrInvalidFlag},
		{"nil callback", func(c *BufferProcessorConfig) { c.Callback = nil }, ErrNullCallback},
		{"too big", func(c *BufferProcessorConfig) { c.FramesPerUserBuffer = maxFramesPerBuffer + 1 }, ErrBufferTooBig},
		{"no host size", func(c *BufferProcessorConfig) { c.FramesPerHostBuffer = 0 }, ErrBufferTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := duplexConfig(r, 64, 256, HostBufferSizeBounded)
			tt.modify(&cfg)
			_, err := NewBufferProcessor(cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	cfg := duplexConfig(r, 0, 256, HostBufferSizeBounded)
	cfg.Flags = NeverDropInput | ClipOff | PaStreamFlags(0x00020000)
	if _, err := NewBufferProcessor(cfg); err != nil {
		t.Errorf("valid flags rejected: %v", err)
	}
}

func BenchmarkProcessorAdapting(b *testing.B) {
	cb := func(input, output []byte, _ uint, _ *StreamCallbackTimeInfo, _ StreamCallbackFlags) StreamCallbackResult {
		copy(output, input)
		return Continue
	}
	bp, err := NewBufferProcessor(BufferProcessorConfig{
		InputChannelCount:   2,
		UserInputFormat:     SampleFmtFloat32,
		HostInputFormat:     SampleFmtInt16,
		OutputChannelCount:  2,
		UserOutputFormat:    SampleFmtFloat32,
		HostOutputFormat:    SampleFmtInt16,
		SampleRate:          48000,
		FramesPerUserBuffer: 100,
		FramesPerHostBuffer: 256,
		HostBufferSizeMode:  HostBufferSizeFixed,
		Callback:            cb,
	})
	if err != nil {
		b.Fatal(err)
	}
	in := make([]byte, 256*4)
	out := make([]byte, 256*4)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		deliverDuplex(bp, in, out, 256, 0)
	}
}
