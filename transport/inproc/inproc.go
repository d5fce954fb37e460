// Package inproc is an in-process signaling relay: the full transport
// contract (presence, directed signals, roster pushes, stroke log) backed by
// in-memory maps. It serves tests and single-binary deployments where every
// participant lives in one process.
package inproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/formacademy/liveclass/signal"
	"github.com/formacademy/liveclass/whiteboard"
)

// Relay is the in-memory transport. The zero value is not usable; call New.
type Relay struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type subscriber struct {
	userID   string
	onSignal func(signal.Signal)
	onRoster func([]signal.Participant)
}

type session struct {
	participants map[string]signal.Participant
	subs         map[int]*subscriber
	strokeSubs   map[int]func(whiteboard.Stroke)
	strokes      []whiteboard.Stroke
	nextStrokeID int64
	nextSubID    int
}

// New creates an empty relay.
func New() *Relay {
	return &Relay{sessions: make(map[string]*session)}
}

func (r *Relay) session(id string) *session {
	s, ok := r.sessions[id]
	if !ok {
		s = &session{
			participants: make(map[string]signal.Participant),
			subs:         make(map[int]*subscriber),
			strokeSubs:   make(map[int]func(whiteboard.Stroke)),
		}
		r.sessions[id] = s
	}
	return s
}

// JoinSession registers presence. Re-joining refreshes the existing record
// rather than duplicating it.
func (r *Relay) JoinSession(ctx context.Context, sessionID, userID string) error {
	r.mu.Lock()
	s := r.session(sessionID)
	p, ok := s.participants[userID]
	if !ok {
		p = signal.Participant{SessionID: sessionID, UserID: userID}
	}
	p.Status = signal.StatusPresent
	s.participants[userID] = p
	roster, targets := s.rosterAndSubs()
	r.mu.Unlock()

	notifyRoster(targets, roster)
	return nil
}

// LeaveSession marks the participant as departed. The record stays in the
// roster so subscribers can observe the status change.
func (r *Relay) LeaveSession(ctx context.Context, sessionID, userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	p, ok := s.participants[userID]
	if !ok {
		p = signal.Participant{SessionID: sessionID, UserID: userID}
	}
	p.Status = signal.StatusLeft
	s.participants[userID] = p
	roster, targets := s.rosterAndSubs()
	r.mu.Unlock()

	notifyRoster(targets, roster)
	return nil
}

// UpdateParticipantState merge-patches a participant's flags.
func (r *Relay) UpdateParticipantState(ctx context.Context, sessionID, userID string, flags signal.Flags) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("inproc: unknown session %q", sessionID)
	}
	p, ok := s.participants[userID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("inproc: %q not in session %q", userID, sessionID)
	}
	if flags.Muted != nil {
		p.Muted = *flags.Muted
	}
	if flags.VideoOff != nil {
		p.VideoOff = *flags.VideoOff
	}
	if flags.HandRaised != nil {
		p.HandRaised = *flags.HandRaised
	}
	s.participants[userID] = p
	roster, targets := s.rosterAndSubs()
	r.mu.Unlock()

	notifyRoster(targets, roster)
	return nil
}

// Participants returns the roster snapshot.
func (r *Relay) Participants(ctx context.Context, sessionID string) ([]signal.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	roster, _ := s.rosterAndSubs()
	return roster, nil
}

// Subscribe registers signal and roster callbacks for one user.
func (r *Relay) Subscribe(ctx context.Context, sessionID, userID string, onSignal func(signal.Signal), onRoster func([]signal.Participant)) (func(), error) {
	r.mu.Lock()
	s := r.session(sessionID)
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = &subscriber{userID: userID, onSignal: onSignal, onRoster: onRoster}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if sess, ok := r.sessions[sessionID]; ok {
			delete(sess.subs, id)
		}
		r.mu.Unlock()
	}, nil
}

// SendSignal delivers one directed message to the addressed subscriber.
// Delivery is synchronous, which preserves per-sender ordering.
func (r *Relay) SendSignal(ctx context.Context, sessionID, from, to string, t signal.Type, payload json.RawMessage) error {
	sig := signal.Signal{
		SessionID: sessionID,
		From:      from,
		To:        to,
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("inproc: unknown session %q", sessionID)
	}
	var targets []func(signal.Signal)
	for _, sub := range s.subs {
		if sub.userID == to && sub.onSignal != nil {
			targets = append(targets, sub.onSignal)
		}
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(sig)
	}
	return nil
}

// Strokes returns the ordered stroke history.
func (r *Relay) Strokes(ctx context.Context, sessionID string) ([]whiteboard.Stroke, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]whiteboard.Stroke, len(s.strokes))
	copy(out, s.strokes)
	return out, nil
}

// AddStroke appends a stroke to the log and broadcasts it.
func (r *Relay) AddStroke(ctx context.Context, sessionID, userID string, op whiteboard.Op) (whiteboard.Stroke, error) {
	if err := op.Validate(); err != nil {
		return whiteboard.Stroke{}, err
	}
	return r.commitStroke(sessionID, userID, op), nil
}

// ClearBoard commits the distinguished clear stroke and drops the stored
// history that precedes it.
func (r *Relay) ClearBoard(ctx context.Context, sessionID, userID string) error {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.strokes = s.strokes[:0]
	}
	r.mu.Unlock()
	r.commitStroke(sessionID, userID, whiteboard.Op{Kind: whiteboard.KindClear})
	return nil
}

func (r *Relay) commitStroke(sessionID, userID string, op whiteboard.Op) whiteboard.Stroke {
	r.mu.Lock()
	s := r.session(sessionID)
	s.nextStrokeID++
	stroke := whiteboard.Stroke{
		ID:        s.nextStrokeID,
		SessionID: sessionID,
		UserID:    userID,
		Op:        op,
		CreatedAt: time.Now().UTC(),
	}
	s.strokes = append(s.strokes, stroke)
	targets := make([]func(whiteboard.Stroke), 0, len(s.strokeSubs))
	for _, fn := range s.strokeSubs {
		targets = append(targets, fn)
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(stroke)
	}
	return stroke
}

// SubscribeStrokes registers a live stroke callback.
func (r *Relay) SubscribeStrokes(ctx context.Context, sessionID string, onStroke func(whiteboard.Stroke)) (func(), error) {
	r.mu.Lock()
	s := r.session(sessionID)
	id := s.nextSubID
	s.nextSubID++
	s.strokeSubs[id] = onStroke
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if sess, ok := r.sessions[sessionID]; ok {
			delete(sess.strokeSubs, id)
		}
		r.mu.Unlock()
	}, nil
}

func (s *session) rosterAndSubs() ([]signal.Participant, []func([]signal.Participant)) {
	roster := make([]signal.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		roster = append(roster, p)
	}
	targets := make([]func([]signal.Participant), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.onRoster != nil {
			targets = append(targets, sub.onRoster)
		}
	}
	return roster, targets
}

func notifyRoster(targets []func([]signal.Participant), roster []signal.Participant) {
	for _, fn := range targets {
		out := make([]signal.Participant, len(roster))
		copy(out, roster)
		fn(out)
	}
}
