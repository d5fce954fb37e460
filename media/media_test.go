package media

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	samples []Sample
}

func (c *captureSink) WriteSample(_ Kind, s Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func TestTrackDisabledSwallowsWrites(t *testing.T) {
	track, err := NewAudioTrack("a1", "s1")
	require.NoError(t, err)
	sink := &captureSink{}
	track.AddSink(sink)

	require.NoError(t, track.WriteSample(Sample{Data: silenceFrame}))
	assert.Equal(t, 1, sink.count())

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	require.NoError(t, track.WriteSample(Sample{Data: silenceFrame}))
	assert.Equal(t, 1, sink.count(), "disabled track must not forward samples")

	track.SetEnabled(true)
	require.NoError(t, track.WriteSample(Sample{Data: silenceFrame}))
	assert.Equal(t, 2, sink.count())
}

func TestTrackCloseFailsWrites(t *testing.T) {
	track, err := NewVideoTrack("v1", "s1")
	require.NoError(t, err)
	track.Close()
	assert.ErrorIs(t, track.WriteSample(Sample{Data: []byte{0}}), ErrTrackClosed)
}

func TestTrackSinkRemove(t *testing.T) {
	track, err := NewAudioTrack("a1", "s1")
	require.NoError(t, err)
	sink := &captureSink{}
	remove := track.AddSink(sink)
	require.NoError(t, track.WriteSample(Sample{Data: silenceFrame}))
	remove()
	require.NoError(t, track.WriteSample(Sample{Data: silenceFrame}))
	assert.Equal(t, 1, sink.count())
}

func TestSyntheticProviderConstraints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewSyntheticProvider()
	stream, err := p.Acquire(ctx, Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Close()

	assert.NotNil(t, stream.AudioTrack())
	assert.NotNil(t, stream.VideoTrack())
	assert.Len(t, stream.Tracks(), 2)

	audioOnly, err := p.Acquire(ctx, Constraints{Audio: true})
	require.NoError(t, err)
	defer audioOnly.Close()
	assert.NotNil(t, audioOnly.AudioTrack())
	assert.Nil(t, audioOnly.VideoTrack())
}

func TestSyntheticProviderFailureInjection(t *testing.T) {
	ctx := context.Background()

	p := NewSyntheticProvider()
	p.VideoErr = ErrDeviceNotFound
	_, err := p.Acquire(ctx, Constraints{Audio: true, Video: true})
	require.Error(t, err)
	assert.Equal(t, CauseDeviceNotFound, Classify(err))

	// Audio-only still succeeds when only video is broken.
	stream, err := p.Acquire(ctx, Constraints{Audio: true})
	require.NoError(t, err)
	stream.Close()

	p.DisplayErr = ErrPermissionDenied
	_, err = p.AcquireDisplay(ctx)
	require.Error(t, err)
	assert.Equal(t, CausePermissionDenied, Classify(err))
}

func TestAcquireDisplayIsVideoOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewSyntheticProvider()
	stream, err := p.AcquireDisplay(ctx)
	require.NoError(t, err)
	defer stream.Close()
	assert.Nil(t, stream.AudioTrack())
	assert.NotNil(t, stream.VideoTrack())
}
