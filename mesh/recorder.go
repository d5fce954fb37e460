package mesh

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/formacademy/liveclass/media"
)

// ErrAlreadyRecording is returned by StartRecording while a recording runs.
var ErrAlreadyRecording = errors.New("mesh: already recording")

const recorderPayloadType = 111 // Opus

// recorder taps the local audio track and writes its Opus frames to an .ogg
// file. Only the local stream is captured; remote feeds are not mixed in.
// Starting and stopping is purely local state.
type recorder struct {
	mu     sync.Mutex
	ogg    *oggwriter.OggWriter
	seq    uint16
	ts     uint32
	remove func()
	closed bool
}

func newRecorder(path string, track *media.Track) (*recorder, error) {
	ogg, err := oggwriter.New(path, media.OpusClockRate, media.OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	r := &recorder{ogg: ogg}
	r.remove = track.AddSink(r)
	return r, nil
}

// WriteSample implements media.Sink: each Opus frame is wrapped in an RTP
// header with running sequence/timestamp state and handed to the ogg muxer.
func (r *recorder) WriteSample(kind media.Kind, s media.Sample) error {
	if kind != media.KindAudio {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    recorderPayloadType,
			SequenceNumber: r.seq,
			Timestamp:      r.ts,
			SSRC:           0x10CA1CA7,
		},
		Payload: s.Data,
	}
	r.seq++
	r.ts += media.OpusFrameSize
	return r.ogg.WriteRTP(pkt)
}

func (r *recorder) Close() error {
	r.remove()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.ogg.Close()
}

// StartRecording captures the local audio to an .ogg file at path.
func (m *Manager) StartRecording(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined {
		return ErrNotJoined
	}
	if m.rec != nil {
		return ErrAlreadyRecording
	}
	if m.local == nil || m.local.AudioTrack() == nil {
		return fmt.Errorf("start recording: no local audio track")
	}
	rec, err := newRecorder(path, m.local.AudioTrack())
	if err != nil {
		return err
	}
	m.rec = rec
	m.state.Recording = true
	m.log.WithField("path", path).Info("recording started")
	return nil
}

// StopRecording finalizes the recording file. No-op when not recording.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.state.Recording = false
	m.mu.Unlock()
	if rec == nil {
		return nil
	}
	if err := rec.Close(); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	m.log.Info("recording stopped")
	return nil
}
