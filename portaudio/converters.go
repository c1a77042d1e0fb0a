package portaudio

import (
	"encoding/binary"
	"math"
)

// ConverterFunc converts count samples from src to dst. Strides are counted
// in samples of the respective format, so an interleaved channel is read with
// a stride equal to the channel count and a planar channel with stride 1.
// dither may be nil when the converter was selected without dithering.
type ConverterFunc func(dst []byte, dstStride int, src []byte, srcStride int, count int, dither *TriangularDither)

// ZeroerFunc writes count silent samples into dst with the given stride.
type ZeroerFunc func(dst []byte, stride int, count int)

var nativeLittleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Integer samples are handled left-justified in an int32 so that every
// integer format shares one widening/narrowing path.
type sampleReader func(b []byte) int32
type sampleWriter func(b []byte, v int32)

func readInt32(b []byte) int32 {
	return int32(binary.NativeEndian.Uint32(b))
}

func writeInt32(b []byte, v int32) {
	binary.NativeEndian.PutUint32(b, uint32(v))
}

func readInt24(b []byte) int32 {
	if nativeLittleEndian {
		return int32(uint32(b[0])<<8 | uint32(b[1])<<16 | uint32(b[2])<<24)
	}
	return int32(uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24)
}

func writeInt24(b []byte, v int32) {
	u := uint32(v)
	if nativeLittleEndian {
		b[0], b[1], b[2] = byte(u>>8), byte(u>>16), byte(u>>24)
		return
	}
	b[0], b[1], b[2] = byte(u>>24), byte(u>>16), byte(u>>8)
}

func readInt16(b []byte) int32 {
	return int32(int16(binary.NativeEndian.Uint16(b))) << 16
}

func writeInt16(b []byte, v int32) {
	binary.NativeEndian.PutUint16(b, uint16(v>>16))
}

func readInt8(b []byte) int32 {
	return int32(int8(b[0])) << 24
}

func writeInt8(b []byte, v int32) {
	b[0] = byte(v >> 24)
}

func readUInt8(b []byte) int32 {
	return (int32(b[0]) - 128) << 24
}

func writeUInt8(b []byte, v int32) {
	b[0] = byte((v >> 24) + 128)
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(b))
}

func writeFloat32(b []byte, v float32) {
	binary.NativeEndian.PutUint32(b, math.Float32bits(v))
}

func integerCodec(format PaSampleFormat) (sampleReader, sampleWriter, int) {
	switch format {
	case SampleFmtInt32:
		return readInt32, writeInt32, 32
	case SampleFmtInt24:
		return readInt24, writeInt24, 24
	case SampleFmtInt16:
		return readInt16, writeInt16, 16
	case SampleFmtInt8:
		return readInt8, writeInt8, 8
	case SampleFmtUInt8:
		return readUInt8, writeUInt8, 8
	}
	return nil, nil, 0
}

// resolutionBits orders formats by quantization step. float32 carries a
// 24-bit mantissa.
func resolutionBits(format PaSampleFormat) int {
	if format == SampleFmtFloat32 {
		return 24
	}
	_, _, bits := integerCodec(format)
	return bits
}

// fullScale is the magnitude that float 1.0 maps to for a bits-wide integer.
func fullScale(bits int) float64 {
	return float64(int64(1)<<(bits-1) - 1)
}

// SelectConverter returns the converter for src -> dst under the given
// stream flags. The NonInterleaved bit of either format is ignored. Dither is
// applied only when dst is coarser than src and DitherOff is not set;
// saturation is applied unless ClipOff is set.
//
// With ClipOff the caller promises in-range input. Out-of-range samples may
// wrap in the destination.
func SelectConverter(src, dst PaSampleFormat, flags PaStreamFlags) (ConverterFunc, error) {
	src, dst = src.Base(), dst.Base()
	srcSize, dstSize := GetSampleSize(src), GetSampleSize(dst)
	if srcSize == 0 || dstSize == 0 {
		return nil, ErrSampleFormatNotSupported
	}

	if src == dst {
		return copyConverter(srcSize), nil
	}

	dither := flags&DitherOff == 0 && resolutionBits(dst) < resolutionBits(src)
	clip := flags&ClipOff == 0

	switch {
	case src == SampleFmtFloat32:
		return floatToInt(dst, dither, clip), nil
	case dst == SampleFmtFloat32:
		return intToFloat(src), nil
	default:
		return intToInt(src, dst, dither), nil
	}
}

// SelectZeroer returns the silence writer for format.
func SelectZeroer(format PaSampleFormat) (ZeroerFunc, error) {
	format = format.Base()
	size := GetSampleSize(format)
	if size == 0 {
		return nil, ErrSampleFormatNotSupported
	}

	var silence byte
	if format == SampleFmtUInt8 {
		silence = 128
	}

	return func(dst []byte, stride int, count int) {
		step := stride * size
		if step == size {
			span := dst[:count*size]
			for i := range span {
				span[i] = silence
			}
			return
		}
		for i := 0; i < count; i++ {
			s := dst[i*step : i*step+size]
			for j := range s {
				s[j] = silence
			}
		}
	}, nil
}

func copyConverter(size int) ConverterFunc {
	return func(dst []byte, dstStride int, src []byte, srcStride int, count int, _ *TriangularDither) {
		if dstStride == 1 && srcStride == 1 {
			copy(dst[:count*size], src[:count*size])
			return
		}
		ds, ss := dstStride*size, srcStride*size
		for i := 0; i < count; i++ {
			copy(dst[i*ds:i*ds+size], src[i*ss:i*ss+size])
		}
	}
}

func floatToInt(dst PaSampleFormat, dither, clip bool) ConverterFunc {
	_, write, bits := integerCodec(dst)
	size := GetSampleSize(dst)
	shift := 32 - bits

	scale := fullScale(bits)
	if dither && !clip {
		// Half an LSB of headroom: with +/-1 LSB of dither, floor(v+0.5)
		// of an in-range sample stays within [-fullScale, fullScale].
		scale -= 0.5
	}
	lo := -math.Ldexp(1, bits-1)
	hi := math.Ldexp(1, bits-1) - 1

	return func(dstBuf []byte, dstStride int, src []byte, srcStride int, count int, d *TriangularDither) {
		ds, ss := dstStride*size, srcStride*4
		useDither := dither && d != nil
		for i := 0; i < count; i++ {
			v := float64(readFloat32(src[i*ss:])) * scale
			if useDither {
				v += float64(d.GenerateFloat())
			}
			q := math.Floor(v + 0.5)
			if clip {
				q = max(lo, min(hi, q))
			}
			write(dstBuf[i*ds:], int32(int64(q)<<shift))
		}
	}
}

func intToFloat(src PaSampleFormat) ConverterFunc {
	read, _, bits := integerCodec(src)
	size := GetSampleSize(src)
	shift := 32 - bits
	scale := fullScale(bits)

	return func(dst []byte, dstStride int, srcBuf []byte, srcStride int, count int, _ *TriangularDither) {
		ds, ss := dstStride*4, srcStride*size
		for i := 0; i < count; i++ {
			v := read(srcBuf[i*ss:]) >> shift
			writeFloat32(dst[i*ds:], float32(float64(v)/scale))
		}
	}
}

func intToInt(src, dst PaSampleFormat, dither bool) ConverterFunc {
	read, _, _ := integerCodec(src)
	_, write, dstBits := integerCodec(dst)
	srcSize, dstSize := GetSampleSize(src), GetSampleSize(dst)

	if !dither {
		// Widening is exact; narrowing floors via the arithmetic shift in write.
		return func(dstBuf []byte, dstStride int, srcBuf []byte, srcStride int, count int, _ *TriangularDither) {
			ds, ss := dstStride*dstSize, srcStride*srcSize
			for i := 0; i < count; i++ {
				write(dstBuf[i*ds:], read(srcBuf[i*ss:]))
			}
		}
	}

	// Dithered narrowing: dither and half an LSB are added in the
	// left-justified domain, then the sum saturates before the shift.
	k := 32 - dstBits
	half := int64(1) << (k - 1)
	return func(dstBuf []byte, dstStride int, srcBuf []byte, srcStride int, count int, d *TriangularDither) {
		ds, ss := dstStride*dstSize, srcStride*srcSize
		for i := 0; i < count; i++ {
			v := int64(read(srcBuf[i*ss:])) + half
			if d != nil {
				v += int64(d.Generate()) << k >> 14
			}
			v = max(math.MinInt32, min(math.MaxInt32, v))
			write(dstBuf[i*ds:], int32(v))
		}
	}
}
