package audio

import "encoding/binary"

// DecodePCM16 appends 16-bit signed little-endian PCM to dst as float32
// samples normalised to [-1.0, 1.0] and returns the extended slice. The
// input length must be even (two bytes per sample); a trailing odd byte is
// silently ignored.
func DecodePCM16(dst []float32, pcm []byte) []float32 {
	n := len(pcm) / 2
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		dst = append(dst, float32(s)/32768.0)
	}
	return dst
}

// EncodePCM16 appends samples to dst as 16-bit signed little-endian PCM and
// returns the extended slice. Samples outside [-1.0, 1.0] are clamped.
func EncodePCM16(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		dst = append(dst, byte(v), byte(v>>8))
	}
	return dst
}

// DownmixToMono collapses interleaved multi-channel samples to mono by
// averaging all channels per frame. With channels <= 1 the input is returned
// unchanged.
func DownmixToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged. Linear interpolation is adequate for speech input;
// recognition backends are tolerant of the slight high-frequency rolloff.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
