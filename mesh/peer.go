package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// RemoteStream is the merged remote media for one peer, keyed by their id so
// the UI can render N independent tiles.
type RemoteStream struct {
	PeerID string

	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) addTrack(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns the remote tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// peer is the local record for one remote participant: exactly one per peer
// id at any time.
type peer struct {
	id        string
	pc        *webrtc.PeerConnection
	stream    *RemoteStream
	initiator bool
	watchdog  *time.Timer
}

func (p *peer) stopWatchdog() {
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
}

func (p *peer) close() {
	p.stopWatchdog()
	if p.pc != nil {
		_ = p.pc.Close()
	}
}

// newPeerConnection builds a connection against the configured STUN servers.
// No TURN is configured; peers behind symmetric NAT may fail to connect.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
}
