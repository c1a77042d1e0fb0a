package portaudio

const (
	ditherSeed1      = 22222
	ditherSeed2      = 5555555
	ditherMultiplier = 196314165
	ditherIncrement  = 907633515

	// Each half contributes 14 significant bits, so the sum spans
	// [-2^14, 2^14) and ditherOneLSB units make one destination LSB.
	ditherShift  = 18
	ditherOneLSB = 1 << 14
)

// TriangularDither generates triangular-PDF dither noise of +/-1 LSB peak
// from the sum of two uniform linear congruential generators.
//
// The state is owned by exactly one stream and must not be shared across
// goroutines.
type TriangularDither struct {
	seed1 uint32
	seed2 uint32
}

// NewTriangularDither returns a generator in its fixed initial state.
func NewTriangularDither() *TriangularDither {
	d := &TriangularDither{}
	d.Reset()
	return d
}

// Reset restores the initial seeds, making the sequence repeatable.
func (d *TriangularDither) Reset() {
	d.seed1 = ditherSeed1
	d.seed2 = ditherSeed2
}

// Generate returns the next dither value. One destination LSB corresponds to
// 1<<14, so the peak amplitude is one LSB either side of zero.
func (d *TriangularDither) Generate() int32 {
	d.seed1 = d.seed1*ditherMultiplier + ditherIncrement
	d.seed2 = d.seed2*ditherMultiplier + ditherIncrement
	return (int32(d.seed1) >> ditherShift) + (int32(d.seed2) >> ditherShift)
}

// GenerateFloat returns the next dither value scaled to destination LSBs,
// in [-1, 1).
func (d *TriangularDither) GenerateFloat() float32 {
	return float32(d.Generate()) * (1.0 / ditherOneLSB)
}
