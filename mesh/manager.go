package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/formacademy/liveclass/media"
	"github.com/formacademy/liveclass/signal"
)

// DefaultSTUNServers is used when Config.STUNServers is empty.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// DefaultPendingTimeout bounds how long a peer connection may stay pending
// before it is torn down.
const DefaultPendingTimeout = 30 * time.Second

// ErrNotJoined is returned by controls invoked before Join.
var ErrNotJoined = errors.New("mesh: not joined")

// Config tunes a Manager.
type Config struct {
	// Constraints are the desired local capabilities. Zero value means
	// audio and video.
	Constraints media.Constraints
	// STUNServers configure NAT traversal. No TURN relay is configured.
	STUNServers []string
	// PendingTimeout tears down a connection that never reaches connected.
	PendingTimeout time.Duration
	Logger         *logrus.Logger
}

func (c *Config) withDefaults() {
	if c.STUNServers == nil {
		c.STUNServers = DefaultSTUNServers
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if !c.Constraints.Audio && !c.Constraints.Video {
		c.Constraints = media.Constraints{Audio: true, Video: true}
	}
}

// MediaState is the local participant's current media posture.
type MediaState struct {
	Audio       bool
	Video       bool
	ScreenShare bool
	HandRaised  bool
	Recording   bool
}

// JoinResult reports the outcome of Join. MediaWarning is set when media
// acquisition degraded or failed; joining still succeeded.
type JoinResult struct {
	Participants []signal.Participant
	MediaState   MediaState
	MediaWarning string
}

type eventKind int

const (
	evSignal eventKind = iota
	evRoster
	evPeerState
	evWatchdog
)

type event struct {
	kind   eventKind
	sig    signal.Signal
	roster []signal.Participant
	peerID string
	state  webrtc.PeerConnectionState
}

// Manager owns the peer-connection map, the local media stream and the
// signaling subscription for one local participant in one session. Transport
// pushes are funneled through a single event-loop goroutine, so signal and
// roster handling is serialized.
type Manager struct {
	sessionID string
	userID    string
	signaler  Signaler
	provider  media.Provider
	cfg       Config
	log       *logrus.Entry

	mu           sync.Mutex
	joined       bool
	state        MediaState
	local        *media.Stream
	screen       *media.Stream
	mediaCancel  context.CancelFunc
	screenCancel context.CancelFunc
	peers        map[string]*peer
	remote       map[string]*RemoteStream
	participants map[string]signal.Participant
	rec          *recorder
	unsubscribe  func()
	events       chan event
	done         chan struct{}

	onRemoteStream func(peerID string, s *RemoteStream)
	onPeerLeft     func(peerID string)
}

// NewManager creates a manager for one (session, user) pair.
func NewManager(sessionID, userID string, s Signaler, p media.Provider, cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		sessionID:    sessionID,
		userID:       userID,
		signaler:     s,
		provider:     p,
		cfg:          cfg,
		log:          cfg.Logger.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID}),
		peers:        make(map[string]*peer),
		remote:       make(map[string]*RemoteStream),
		participants: make(map[string]signal.Participant),
	}
}

// OnRemoteStream registers a callback fired when a remote track arrives.
// Set before Join.
func (m *Manager) OnRemoteStream(fn func(peerID string, s *RemoteStream)) { m.onRemoteStream = fn }

// OnPeerLeft registers a callback fired when a peer's connection is torn
// down. Set before Join.
func (m *Manager) OnPeerLeft(fn func(peerID string)) { m.onPeerLeft = fn }

// Join acquires local media (degrading on failure rather than aborting),
// subscribes to the session's signal stream, registers presence and connects
// to every participant already present. Calling Join while joined is a no-op
// returning the current state.
func (m *Manager) Join(ctx context.Context) (*JoinResult, error) {
	m.mu.Lock()
	if m.joined {
		res := &JoinResult{Participants: m.rosterLocked(), MediaState: m.state}
		m.mu.Unlock()
		return res, nil
	}
	m.mu.Unlock()

	mediaCtx, mediaCancel := context.WithCancel(context.Background())
	local, state, warning := m.acquireLocalMedia(mediaCtx)

	// Become addressable before announcing presence: a peer already in the
	// session reacts to the roster push with an offer, and a signal sent to a
	// user without a live subscription is dropped.
	m.mu.Lock()
	m.joined = true
	m.local = local
	m.mediaCancel = mediaCancel
	m.state = state
	m.events = make(chan event, 256)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(m.events, m.done)

	fail := func(stage string, err error) (*JoinResult, error) {
		_ = m.Leave(ctx)
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	unsubscribe, err := m.signaler.Subscribe(ctx, m.sessionID, m.userID, m.pushSignal, m.pushRoster)
	if err != nil {
		return fail("subscribe", err)
	}
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	if err := m.signaler.JoinSession(ctx, m.sessionID, m.userID); err != nil {
		return fail("join session", err)
	}

	// Register initial flags; not essential-path, so a failure degrades to
	// a log line.
	flags := signal.Flags{
		Muted:    signal.Bool(!state.Audio),
		VideoOff: signal.Bool(!state.Video),
	}
	if err := m.signaler.UpdateParticipantState(ctx, m.sessionID, m.userID, flags); err != nil {
		m.log.WithError(err).Warn("failed to push initial participant flags")
	}

	participants, err := m.signaler.Participants(ctx, m.sessionID)
	if err != nil {
		return fail("get participants", err)
	}

	m.mu.Lock()
	for _, p := range participants {
		if _, ok := m.participants[p.UserID]; !ok {
			m.participants[p.UserID] = p
		}
	}
	m.mu.Unlock()

	for _, p := range participants {
		if p.Status == signal.StatusPresent && p.UserID != m.userID {
			m.maybeConnect(p.UserID)
		}
	}

	m.log.WithFields(logrus.Fields{
		"participants": len(participants),
		"audio":        state.Audio,
		"video":        state.Video,
	}).Info("joined session")

	return &JoinResult{Participants: participants, MediaState: state, MediaWarning: warning}, nil
}

// acquireLocalMedia runs the downgrade chain: full constraints, then
// audio-only when the failure class is recoverable, then no media at all.
// A stream-less join is still a join.
func (m *Manager) acquireLocalMedia(ctx context.Context) (*media.Stream, MediaState, string) {
	want := m.cfg.Constraints
	stream, err := m.provider.Acquire(ctx, want)
	if err == nil {
		return stream, MediaState{Audio: want.Audio, Video: want.Video}, ""
	}

	cause := media.Classify(err)
	m.log.WithError(err).WithField("cause", cause).Warn("media acquisition failed")

	if want.Video && want.Audio && cause.Recoverable() {
		stream, err = m.provider.Acquire(ctx, media.Constraints{Audio: true})
		if err == nil {
			return stream, MediaState{Audio: true}, cause.Message()
		}
		m.log.WithError(err).Warn("audio-only acquisition failed, joining view-only")
	}
	return nil, MediaState{}, cause.Message()
}

// Leave tears down every peer connection, stops all local media, notifies
// the transport and resets state. Safe to call at any time, including before
// Join and repeatedly from cleanup paths.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return nil
	}
	m.joined = false
	peers := m.peers
	m.peers = make(map[string]*peer)
	m.remote = make(map[string]*RemoteStream)
	m.participants = make(map[string]signal.Participant)
	local, screen := m.local, m.screen
	m.local, m.screen = nil, nil
	mediaCancel, screenCancel := m.mediaCancel, m.screenCancel
	m.mediaCancel, m.screenCancel = nil, nil
	rec := m.rec
	m.rec = nil
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	done := m.done
	m.done = nil
	m.state = MediaState{}
	m.mu.Unlock()

	if rec != nil {
		if err := rec.Close(); err != nil {
			m.log.WithError(err).Warn("failed to finalize recording")
		}
	}

	for id, p := range peers {
		if err := m.signaler.SendSignal(ctx, m.sessionID, m.userID, id, signal.TypeLeave, nil); err != nil {
			m.log.WithError(err).WithField("peer_id", id).Debug("leave signal failed")
		}
		p.close()
	}

	if screen != nil {
		screen.Close()
	}
	if screenCancel != nil {
		screenCancel()
	}
	if local != nil {
		local.Close()
	}
	if mediaCancel != nil {
		mediaCancel()
	}

	if unsubscribe != nil {
		unsubscribe()
	}
	if done != nil {
		close(done)
	}

	if err := m.signaler.LeaveSession(ctx, m.sessionID, m.userID); err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	m.log.Info("left session")
	return nil
}

// MediaState returns the local media posture.
func (m *Manager) MediaState() MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RemoteStreams returns the remote media collection keyed by peer id.
func (m *Manager) RemoteStreams() map[string]*RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*RemoteStream, len(m.remote))
	for id, s := range m.remote {
		out[id] = s
	}
	return out
}

// Participants returns the cached roster snapshot.
func (m *Manager) Participants() []signal.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterLocked()
}

func (m *Manager) rosterLocked() []signal.Participant {
	out := make([]signal.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p)
	}
	return out
}

// PeerIDs returns the ids of peers with an active connection record.
func (m *Manager) PeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// pushSignal and pushRoster run on the transport's goroutine; they hand the
// event to the loop without blocking it.
func (m *Manager) pushSignal(s signal.Signal) {
	m.push(event{kind: evSignal, sig: s})
}

func (m *Manager) pushRoster(parts []signal.Participant) {
	m.push(event{kind: evRoster, roster: parts})
}

func (m *Manager) push(ev event) {
	m.mu.Lock()
	events, done := m.events, m.done
	m.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-done:
	default:
		m.log.WithField("kind", ev.kind).Warn("event bus full, dropping event")
	}
}

func (m *Manager) run(events chan event, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-events:
			switch ev.kind {
			case evSignal:
				m.handleSignal(ev.sig)
			case evRoster:
				m.handleRoster(ev.roster)
			case evPeerState:
				m.handlePeerState(ev.peerID, ev.state)
			case evWatchdog:
				m.handleWatchdog(ev.peerID)
			}
		}
	}
}

// maybeConnect creates a connection to a newly present peer when the local
// side is the designated initiator. The lower-sorting user id always offers,
// which removes the simultaneous-offer race two sides would otherwise hit
// when they notice each other concurrently.
func (m *Manager) maybeConnect(peerID string) {
	m.mu.Lock()
	if !m.joined || peerID == m.userID {
		m.mu.Unlock()
		return
	}
	if _, exists := m.peers[peerID]; exists {
		m.mu.Unlock()
		return
	}
	if m.userID >= peerID {
		// Responder side: the connection record is created when their
		// offer arrives.
		m.mu.Unlock()
		return
	}
	p, err := m.newPeerLocked(peerID, true)
	if err != nil {
		m.mu.Unlock()
		m.log.WithError(err).WithField("peer_id", peerID).Error("failed to create peer connection")
		return
	}
	m.peers[peerID] = p
	m.mu.Unlock()

	m.sendOffer(p)
}

// newPeerLocked builds the connection record for one remote peer and wires
// its callbacks. Caller holds m.mu.
func (m *Manager) newPeerLocked(peerID string, initiator bool) (*peer, error) {
	pc, err := newPeerConnection(m.cfg.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &peer{id: peerID, pc: pc, initiator: initiator, stream: &RemoteStream{PeerID: peerID}}

	for _, t := range m.localTracksLocked() {
		if _, err := pc.AddTrack(t.Local()); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		payload := signal.MarshalCandidate(signal.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err := m.signaler.SendSignal(context.Background(), m.sessionID, m.userID, peerID, signal.TypeICECandidate, payload); err != nil {
			m.log.WithError(err).WithField("peer_id", peerID).Debug("failed to send ICE candidate")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.log.WithFields(logrus.Fields{"peer_id": peerID, "mime": track.Codec().MimeType}).Info("received remote track")
		p.stream.addTrack(track)
		m.mu.Lock()
		m.remote[peerID] = p.stream
		cb := m.onRemoteStream
		m.mu.Unlock()
		if cb != nil {
			cb(peerID, p.stream)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.WithFields(logrus.Fields{"peer_id": peerID, "state": state.String()}).Debug("peer connection state")
		m.push(event{kind: evPeerState, peerID: peerID, state: state})
	})

	p.watchdog = time.AfterFunc(m.cfg.PendingTimeout, func() {
		m.push(event{kind: evWatchdog, peerID: peerID})
	})

	return p, nil
}

// localTracksLocked returns the tracks to attach to a new connection: the
// local stream's tracks, with the camera video substituted by the screen
// track while a share is active.
func (m *Manager) localTracksLocked() []*media.Track {
	var out []*media.Track
	if m.local != nil {
		for _, t := range m.local.Tracks() {
			if t.Kind() == media.KindVideo && m.screen != nil {
				continue
			}
			out = append(out, t)
		}
	}
	if m.screen != nil {
		if vt := m.screen.VideoTrack(); vt != nil {
			out = append(out, vt)
		}
	}
	return out
}

func (m *Manager) sendOffer(p *peer) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		m.log.WithError(err).WithField("peer_id", p.id).Error("failed to create offer")
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		m.log.WithError(err).WithField("peer_id", p.id).Error("failed to set local description")
		return
	}
	if err := m.signaler.SendSignal(context.Background(), m.sessionID, m.userID, p.id, signal.TypeOffer, signal.MarshalSDP(offer.SDP)); err != nil {
		m.log.WithError(err).WithField("peer_id", p.id).Error("failed to send offer")
	}
}

func (m *Manager) handleSignal(s signal.Signal) {
	if s.To != m.userID || s.From == m.userID {
		return
	}
	switch s.Type {
	case signal.TypeOffer:
		m.handleOffer(s)
	case signal.TypeAnswer:
		m.handleAnswer(s)
	case signal.TypeICECandidate:
		m.handleCandidate(s)
	case signal.TypeLeave:
		m.teardownPeer(s.From, "peer left")
	case signal.TypeMute, signal.TypeUnmute, signal.TypeVideoOn, signal.TypeVideoOff,
		signal.TypeHandRaise, signal.TypeHandLower:
		m.applyFlagSignal(s)
	default:
		m.log.WithField("type", s.Type).Debug("ignoring unknown signal type")
	}
}

func (m *Manager) handleOffer(s signal.Signal) {
	var payload signal.SDPPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Warn("malformed offer payload")
		return
	}

	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	p, exists := m.peers[s.From]
	if exists && p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Offer glare. The deterministic initiator rule means this only
		// happens on re-delivery or a peer ignoring the rule; the
		// lower-sorting id keeps its offer.
		if m.userID < s.From {
			m.mu.Unlock()
			m.log.WithField("peer_id", s.From).Warn("dropping glare offer from higher-sorting peer")
			return
		}
		p.close()
		delete(m.peers, s.From)
		delete(m.remote, s.From)
		exists = false
	}
	if !exists {
		created, err := m.newPeerLocked(s.From, false)
		if err != nil {
			m.mu.Unlock()
			m.log.WithError(err).WithField("peer_id", s.From).Error("failed to create peer connection for offer")
			return
		}
		p = created
		m.peers[s.From] = p
	}
	m.mu.Unlock()

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Error("failed to set remote offer")
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Error("failed to create answer")
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Error("failed to set local description")
		return
	}
	if err := m.signaler.SendSignal(context.Background(), m.sessionID, m.userID, s.From, signal.TypeAnswer, signal.MarshalSDP(answer.SDP)); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Error("failed to send answer")
	}
}

func (m *Manager) handleAnswer(s signal.Signal) {
	m.mu.Lock()
	p, exists := m.peers[s.From]
	m.mu.Unlock()
	if !exists {
		// Stale answer for a connection that no longer exists.
		m.log.WithField("peer_id", s.From).Debug("ignoring orphaned answer")
		return
	}
	var payload signal.SDPPayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Warn("malformed answer payload")
		return
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Error("failed to set remote answer")
	}
}

func (m *Manager) handleCandidate(s signal.Signal) {
	m.mu.Lock()
	p, exists := m.peers[s.From]
	m.mu.Unlock()
	if !exists {
		m.log.WithField("peer_id", s.From).Debug("ICE candidate for unknown peer, ignoring")
		return
	}
	var payload signal.CandidatePayload
	if err := json.Unmarshal(s.Payload, &payload); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Warn("malformed ICE candidate, ignoring")
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		m.log.WithError(err).WithField("peer_id", s.From).Warn("failed to add ICE candidate, ignoring")
	}
}

func (m *Manager) applyFlagSignal(s signal.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[s.From]
	if !ok {
		p = signal.Participant{SessionID: m.sessionID, UserID: s.From, Status: signal.StatusPresent}
	}
	switch s.Type {
	case signal.TypeMute:
		p.Muted = true
	case signal.TypeUnmute:
		p.Muted = false
	case signal.TypeVideoOff:
		p.VideoOff = true
	case signal.TypeVideoOn:
		p.VideoOff = false
	case signal.TypeHandRaise:
		p.HandRaised = true
	case signal.TypeHandLower:
		p.HandRaised = false
	}
	m.participants[s.From] = p
}

func (m *Manager) handleRoster(parts []signal.Participant) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	m.participants = make(map[string]signal.Participant, len(parts))
	var connect, gone []string
	for _, p := range parts {
		m.participants[p.UserID] = p
		if p.UserID == m.userID {
			continue
		}
		if p.Status == signal.StatusPresent {
			if _, exists := m.peers[p.UserID]; !exists {
				connect = append(connect, p.UserID)
			}
		} else if _, exists := m.peers[p.UserID]; exists {
			gone = append(gone, p.UserID)
		}
	}
	m.mu.Unlock()

	for _, id := range connect {
		m.maybeConnect(id)
	}
	for _, id := range gone {
		m.teardownPeer(id, "left roster")
	}
}

func (m *Manager) handlePeerState(peerID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if p, ok := m.peers[peerID]; ok {
			p.stopWatchdog()
		}
		m.mu.Unlock()
		m.log.WithField("peer_id", peerID).Info("peer connected")
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		m.teardownPeer(peerID, "connection "+state.String())
	}
}

func (m *Manager) handleWatchdog(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok && p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		m.teardownPeer(peerID, "negotiation timed out")
	}
}

// teardownPeer destroys one peer's connection record. Mesh connections are
// independent: no other peer is affected.
func (m *Manager) teardownPeer(peerID, reason string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
		delete(m.remote, peerID)
	}
	cb := m.onPeerLeft
	m.mu.Unlock()
	if !ok {
		return
	}
	p.close()
	m.log.WithFields(logrus.Fields{"peer_id": peerID, "reason": reason}).Info("peer torn down")
	if cb != nil {
		cb(peerID)
	}
}
