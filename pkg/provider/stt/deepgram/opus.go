package deepgram

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus framing for upstream speech audio: 20 ms frames, Voip tuning.
const opusFrameSizeMs = 20

// upstreamEncoder re-frames arbitrary-length PCM chunks into fixed 20 ms
// Opus packets. It keeps a pending buffer across calls, so chunk boundaries
// never have to align with frame boundaries. One encoder per session; the
// Opus codec is stateful across consecutive frames.
type upstreamEncoder struct {
	enc       *gopus.Encoder
	frameSize int // samples per channel per frame
	channels  int
	pending   []int16
}

// newUpstreamEncoder creates an Opus encoder for the given capture format.
func newUpstreamEncoder(sampleRate, channels int) (*upstreamEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &upstreamEncoder{
		enc:       enc,
		frameSize: sampleRate * opusFrameSizeMs / 1000,
		channels:  channels,
	}, nil
}

// encode appends pcm (little-endian int16 bytes) to the pending buffer and
// returns one Opus packet per complete frame now available. A trailing
// partial frame stays pending for the next call.
func (e *upstreamEncoder) encode(pcm []byte) ([][]byte, error) {
	for i := 0; i+1 < len(pcm); i += 2 {
		e.pending = append(e.pending, int16(pcm[i])|int16(pcm[i+1])<<8)
	}

	samplesPerFrame := e.frameSize * e.channels
	var packets [][]byte
	for len(e.pending) >= samplesPerFrame {
		frame := e.pending[:samplesPerFrame]
		pkt, err := e.enc.Encode(frame, e.frameSize, samplesPerFrame*2)
		if err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		packets = append(packets, pkt)
		e.pending = e.pending[samplesPerFrame:]
	}
	return packets, nil
}
