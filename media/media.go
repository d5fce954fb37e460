// Package media abstracts capture devices behind a Provider so the mesh can
// run against real microphones, synthetic sources in tests, or any other
// capability provider a host environment supplies.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Sample is one encoded media frame plus its duration.
type Sample = pionmedia.Sample

// Kind distinguishes audio from video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints describe the capabilities a caller wants from Acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Preferred capture quality. Providers treat these as ideals, not minimums.
const (
	IdealWidth    = 1280
	IdealHeight   = 720
	OpusClockRate = 48000
	OpusChannels  = 2
	OpusFrameSize = 960 // 20ms at 48kHz
	OpusFmtpLine  = "minptime=10;useinbandfec=1"
	VP8ClockRate  = 90000
)

// Provider acquires capture streams. Implementations wrap their native
// failures in the package sentinel errors so Classify can branch on them.
type Provider interface {
	// Acquire opens camera/microphone capture per the constraints.
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
	// AcquireDisplay opens a display-capture (screen share) stream.
	AcquireDisplay(ctx context.Context) (*Stream, error)
}

// Sink receives a copy of every sample forwarded by a track. Used by the
// local recorder.
type Sink interface {
	WriteSample(kind Kind, s Sample) error
}

// Track wraps an outbound pion track. Disabling a track swallows writes
// instead of detaching the sender, so mute/camera-off never renegotiates.
type Track struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	closed  bool
	sinks   map[int]Sink
	nextID  int
}

// NewAudioTrack creates an Opus audio track.
func NewAudioTrack(trackID, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   OpusClockRate,
		Channels:    OpusChannels,
		SDPFmtpLine: OpusFmtpLine,
	}, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &Track{kind: KindAudio, local: local, enabled: true, sinks: make(map[int]Sink)}, nil
}

// NewVideoTrack creates a VP8 video track.
func NewVideoTrack(trackID, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: VP8ClockRate,
	}, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return &Track{kind: KindVideo, local: local, enabled: true, sinks: make(map[int]Sink)}, nil
}

// Kind returns audio or video.
func (t *Track) Kind() Kind { return t.kind }

// Local exposes the underlying pion track for AddTrack/ReplaceTrack.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// SetEnabled flips the mute/blank state. The sender stays attached.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Enabled reports whether samples are currently forwarded.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// WriteSample forwards one sample to the pion track and every sink. Writes
// on a disabled track are swallowed; writes on a closed track fail.
func (t *Track) WriteSample(s Sample) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackClosed
	}
	if !t.enabled {
		t.mu.Unlock()
		return nil
	}
	sinks := make([]Sink, 0, len(t.sinks))
	for _, sink := range t.sinks {
		sinks = append(sinks, sink)
	}
	t.mu.Unlock()

	if err := t.local.WriteSample(s); err != nil {
		return err
	}
	for _, sink := range sinks {
		// Sink failures must not stall the live path.
		_ = sink.WriteSample(t.kind, s)
	}
	return nil
}

// AddSink registers a sample tap and returns its remove function.
func (t *Track) AddSink(s Sink) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.sinks[id] = s
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.sinks, id)
		t.mu.Unlock()
	}
}

// Close stops the track. Feeding goroutines observe ErrTrackClosed and exit.
func (t *Track) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Stream is a set of local tracks acquired together.
type Stream struct {
	ID     string
	tracks []*Track
}

// NewStream groups tracks under one stream id.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{ID: id, tracks: tracks}
}

// Tracks returns all tracks in the stream.
func (s *Stream) Tracks() []*Track { return s.tracks }

// AudioTrack returns the first audio track, or nil.
func (s *Stream) AudioTrack() *Track { return s.trackOf(KindAudio) }

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() *Track { return s.trackOf(KindVideo) }

func (s *Stream) trackOf(k Kind) *Track {
	for _, t := range s.tracks {
		if t.kind == k {
			return t
		}
	}
	return nil
}

// Close stops every track in the stream.
func (s *Stream) Close() {
	for _, t := range s.tracks {
		t.Close()
	}
}
