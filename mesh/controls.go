package mesh

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/formacademy/liveclass/media"
	"github.com/formacademy/liveclass/signal"
)

// ToggleAudio flips the local audio track's enabled state and pushes the
// updated participant flags. The track's sender stays attached, so no
// renegotiation happens. Transport failures on this path are logged, not
// propagated: a missed flag update is not essential.
func (m *Manager) ToggleAudio(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.state.Audio = !m.state.Audio
	enabled := m.state.Audio
	var track *media.Track
	if m.local != nil {
		track = m.local.AudioTrack()
	}
	m.mu.Unlock()

	if track != nil {
		track.SetEnabled(enabled)
	}
	t := signal.TypeMute
	if enabled {
		t = signal.TypeUnmute
	}
	m.notifyFlags(ctx, signal.Flags{Muted: signal.Bool(!enabled)}, t)
	return nil
}

// ToggleVideo flips the local camera track's enabled state and pushes flags.
func (m *Manager) ToggleVideo(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.state.Video = !m.state.Video
	enabled := m.state.Video
	var track *media.Track
	if m.local != nil {
		track = m.local.VideoTrack()
	}
	m.mu.Unlock()

	if track != nil {
		track.SetEnabled(enabled)
	}
	t := signal.TypeVideoOff
	if enabled {
		t = signal.TypeVideoOn
	}
	m.notifyFlags(ctx, signal.Flags{VideoOff: signal.Bool(!enabled)}, t)
	return nil
}

// ToggleHand raises or lowers the local hand. Pure flag state; no media
// implication.
func (m *Manager) ToggleHand(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.state.HandRaised = !m.state.HandRaised
	raised := m.state.HandRaised
	m.mu.Unlock()

	t := signal.TypeHandLower
	if raised {
		t = signal.TypeHandRaise
	}
	m.notifyFlags(ctx, signal.Flags{HandRaised: signal.Bool(raised)}, t)
	return nil
}

// notifyFlags patches the participant record and nudges each connected peer
// with the matching control signal.
func (m *Manager) notifyFlags(ctx context.Context, flags signal.Flags, t signal.Type) {
	if err := m.signaler.UpdateParticipantState(ctx, m.sessionID, m.userID, flags); err != nil {
		m.log.WithError(err).Warn("failed to update participant flags")
	}
	for _, id := range m.PeerIDs() {
		if err := m.signaler.SendSignal(ctx, m.sessionID, m.userID, id, t, nil); err != nil {
			m.log.WithError(err).WithField("peer_id", id).Debug("flag signal failed")
		}
	}
}

// StartScreenShare acquires a display stream and swaps it for the outbound
// camera track on every existing peer connection in place. Connections are
// neither closed nor recreated; peers that had no video sender get the track
// added with a renegotiation offer.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	if m.state.ScreenShare {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	shareCtx, cancel := context.WithCancel(context.Background())
	screen, err := m.provider.AcquireDisplay(shareCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("screen share: %w", err)
	}
	shareTrack := screen.VideoTrack()
	if shareTrack == nil {
		screen.Close()
		cancel()
		return fmt.Errorf("screen share: display stream has no video track")
	}

	m.mu.Lock()
	m.screen = screen
	m.screenCancel = cancel
	m.state.ScreenShare = true
	peers := m.peersSnapshotLocked()
	m.mu.Unlock()

	for _, p := range peers {
		if replaceVideoSender(p.pc, shareTrack.Local()) {
			continue
		}
		// View-only until now: attach the share track and renegotiate.
		if _, err := p.pc.AddTrack(shareTrack.Local()); err != nil {
			m.log.WithError(err).WithField("peer_id", p.id).Error("failed to add screen track")
			continue
		}
		m.sendOffer(p)
	}
	m.log.Info("screen share started")
	return nil
}

// StopScreenShare restores the camera track on every sender and releases the
// display stream. Invoked by the UI stop button or the capture provider's
// native end-of-share path.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.ScreenShare {
		m.mu.Unlock()
		return nil
	}
	m.state.ScreenShare = false
	screen := m.screen
	m.screen = nil
	cancel := m.screenCancel
	m.screenCancel = nil
	var camera *media.Track
	if m.local != nil {
		camera = m.local.VideoTrack()
	}
	peers := m.peersSnapshotLocked()
	m.mu.Unlock()

	var cameraLocal webrtc.TrackLocal
	if camera != nil {
		cameraLocal = camera.Local()
	}
	for _, p := range peers {
		// A nil replacement leaves the sender silent until the camera
		// returns, which is exactly the view-only posture.
		replaceVideoSender(p.pc, cameraLocal)
	}

	if screen != nil {
		screen.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.log.Info("screen share stopped")
	return nil
}

func (m *Manager) peersSnapshotLocked() []*peer {
	out := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// replaceVideoSender swaps the outbound video track on pc's video sender,
// keeping the same sender (and SSRC) alive. Returns false when pc has no
// video sender to replace.
func replaceVideoSender(pc *webrtc.PeerConnection, track webrtc.TrackLocal) bool {
	replaced := false
	for _, sender := range pc.GetSenders() {
		current := sender.Track()
		if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := sender.ReplaceTrack(track); err == nil {
			replaced = true
		}
	}
	return replaced
}
