package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

// PCMSource yields raw microphone audio: little-endian int16 frames at the
// reported rate/channel layout. Host environments implement this over their
// native capture API.
type PCMSource interface {
	// ReadFrame blocks until one frame of PCM is available.
	ReadFrame(ctx context.Context) ([]byte, error)
	SampleRate() int
	Channels() int
}

// PCMProvider adapts a PCMSource into a media Provider: microphone PCM is
// resampled, encoded to Opus and fed onto an audio track. Video and display
// capture are not available from a bare PCM source.
type PCMProvider struct {
	Source PCMSource
}

// Acquire encodes the PCM source onto a new audio stream. Requesting video
// from a PCM-only provider reports a missing device so the caller's
// downgrade path can retry audio-only.
func (p *PCMProvider) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if c.Video {
		return nil, fmt.Errorf("acquire video: %w", ErrDeviceNotFound)
	}
	if !c.Audio {
		return nil, fmt.Errorf("acquire: no capability requested")
	}
	track, err := NewAudioTrack("mic", "mic")
	if err != nil {
		return nil, err
	}
	enc, err := newOpusEncoder(OpusClockRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	go p.pump(ctx, track, enc)
	return NewStream("mic", track), nil
}

// AcquireDisplay is unsupported for PCM sources.
func (p *PCMProvider) AcquireDisplay(ctx context.Context) (*Stream, error) {
	return nil, fmt.Errorf("acquire display: %w", ErrDeviceNotFound)
}

func (p *PCMProvider) pump(ctx context.Context, track *Track, enc *opusEncoder) {
	for {
		frame, err := p.Source.ReadFrame(ctx)
		if err != nil {
			track.Close()
			return
		}
		if p.Source.SampleRate() != OpusClockRate && p.Source.Channels() == 1 {
			frame = resampleMono(frame, p.Source.SampleRate(), OpusClockRate)
		}
		if p.Source.Channels() == 1 {
			frame = monoToStereo(frame)
		}
		payload, err := enc.encodeBytes(frame)
		if err != nil {
			continue
		}
		if err := track.WriteSample(Sample{Data: payload, Duration: 20 * time.Millisecond}); err == ErrTrackClosed {
			return
		}
	}
}

type opusEncoder struct {
	enc      *opus.Encoder
	channels int
}

func newOpusEncoder(sampleRate, channels int) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(64000)
	return &opusEncoder{enc: enc, channels: channels}, nil
}

func (e *opusEncoder) encodeBytes(pcmBytes []byte) ([]byte, error) {
	n := len(pcmBytes) / 2
	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
	}
	out := make([]byte, 1024)
	written, err := e.enc.Encode(pcm, out)
	if err != nil {
		return nil, err
	}
	return out[:written], nil
}

// resampleMono linearly interpolates mono PCM between sample rates.
func resampleMono(input []byte, inputRate, outputRate int) []byte {
	if inputRate == outputRate {
		return input
	}
	inputSamples := len(input) / 2
	ratio := float64(outputRate) / float64(inputRate)
	outputSamples := int(float64(inputSamples) * ratio)
	output := make([]byte, outputSamples*2)
	for i := 0; i < outputSamples; i++ {
		srcPos := float64(i) / ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		idx1, idx2 := srcIdx, srcIdx+1
		if idx1 >= inputSamples {
			idx1 = inputSamples - 1
		}
		if idx2 >= inputSamples {
			idx2 = inputSamples - 1
		}
		s1 := int16(binary.LittleEndian.Uint16(input[idx1*2:]))
		s2 := int16(binary.LittleEndian.Uint16(input[idx2*2:]))
		sample := int16(float64(s1)*(1-frac) + float64(s2)*frac)
		binary.LittleEndian.PutUint16(output[i*2:], uint16(sample))
	}
	return output
}

// monoToStereo duplicates each mono sample into both channels.
func monoToStereo(mono []byte) []byte {
	n := len(mono) / 2
	stereo := make([]byte, n*4)
	for i := 0; i < n; i++ {
		copy(stereo[i*4:], mono[i*2:i*2+2])
		copy(stereo[i*4+2:], mono[i*2:i*2+2])
	}
	return stereo
}
