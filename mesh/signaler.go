// Package mesh maintains a full mesh of WebRTC connections with every other
// present participant in a session and exposes the local media controls.
package mesh

import (
	"context"
	"encoding/json"

	"github.com/formacademy/liveclass/signal"
)

// Signaler is the slice of the signaling transport the mesh consumes:
// presence registration, participant flag patches, a roster snapshot, a
// filtered subscription and fire-and-forget directed signals.
//
// Implementations must deliver signals addressed to the subscribed user only,
// and preserve send order per sender (offer before its ICE candidates).
type Signaler interface {
	// JoinSession registers presence. Idempotent.
	JoinSession(ctx context.Context, sessionID, userID string) error
	// LeaveSession deregisters presence.
	LeaveSession(ctx context.Context, sessionID, userID string) error
	// UpdateParticipantState merge-patches media/hand-raise flags.
	UpdateParticipantState(ctx context.Context, sessionID, userID string, flags signal.Flags) error
	// Participants returns the current roster snapshot.
	Participants(ctx context.Context, sessionID string) ([]signal.Participant, error)
	// Subscribe pushes every signal addressed to userID and every roster
	// change. The returned function cancels the subscription.
	Subscribe(ctx context.Context, sessionID, userID string, onSignal func(signal.Signal), onRoster func([]signal.Participant)) (func(), error)
	// SendSignal sends one directed message.
	SendSignal(ctx context.Context, sessionID, from, to string, t signal.Type, payload json.RawMessage) error
}
