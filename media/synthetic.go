package media

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// SyntheticProvider generates media without hardware: Opus silence frames on
// audio tracks and fixed test frames on video tracks. It backs headless
// deployments and every test that exercises the mesh, and can inject
// per-constraint failures to simulate missing or busy devices.
type SyntheticProvider struct {
	// AudioErr/VideoErr, when set, fail Acquire for constraints requesting
	// that kind. Wrap the package sentinels to drive the downgrade path.
	AudioErr   error
	VideoErr   error
	DisplayErr error

	streamSeq atomic.Int64
}

// NewSyntheticProvider returns a provider that always succeeds.
func NewSyntheticProvider() *SyntheticProvider { return &SyntheticProvider{} }

// silenceFrame is a minimal Opus silence frame (TOC + padding), the same
// payload a muted voice channel carries.
var silenceFrame = []byte{0xFC, 0xFF, 0xFE}

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 100 * time.Millisecond
)

// Acquire builds a synthetic camera/microphone stream.
func (p *SyntheticProvider) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("acquire: no capability requested")
	}
	if c.Video && p.VideoErr != nil {
		return nil, fmt.Errorf("acquire video: %w", p.VideoErr)
	}
	if c.Audio && p.AudioErr != nil {
		return nil, fmt.Errorf("acquire audio: %w", p.AudioErr)
	}
	return p.buildStream(ctx, "synthetic", c)
}

// AcquireDisplay builds a synthetic screen-capture stream (video only).
func (p *SyntheticProvider) AcquireDisplay(ctx context.Context) (*Stream, error) {
	if p.DisplayErr != nil {
		return nil, fmt.Errorf("acquire display: %w", p.DisplayErr)
	}
	return p.buildStream(ctx, "display", Constraints{Video: true})
}

func (p *SyntheticProvider) buildStream(ctx context.Context, label string, c Constraints) (*Stream, error) {
	streamID := fmt.Sprintf("%s-%d", label, p.streamSeq.Add(1))
	var tracks []*Track
	if c.Audio {
		t, err := NewAudioTrack("audio-"+streamID, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		go feed(ctx, t, audioFrameInterval, Sample{Data: silenceFrame, Duration: audioFrameInterval})
	}
	if c.Video {
		t, err := NewVideoTrack("video-"+streamID, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		// A keyframe-shaped placeholder; remote decode quality is not the
		// point of a synthetic source.
		frame := make([]byte, 64)
		go feed(ctx, t, videoFrameInterval, Sample{Data: frame, Duration: videoFrameInterval})
	}
	return NewStream(streamID, tracks...), nil
}

func feed(ctx context.Context, t *Track, interval time.Duration, s Sample) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(s); err == ErrTrackClosed {
				return
			}
		}
	}
}
