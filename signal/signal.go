// Package signal defines the wire types shared by the mesh, the whiteboard
// and the signaling relay: directed signals, participant presence records and
// the WebSocket envelope that carries both.
package signal

import (
	"encoding/json"
	"time"
)

// Type identifies a directed signaling message.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeLeave        Type = "leave"
	TypeMute         Type = "mute"
	TypeUnmute       Type = "unmute"
	TypeVideoOn      Type = "video-on"
	TypeVideoOff     Type = "video-off"
	TypeHandRaise    Type = "hand-raise"
	TypeHandLower    Type = "hand-lower"
)

// Signal is a single directed message between two participants in a session.
// Signals are write-once; the relay delivers each one only to the addressed
// recipient and preserves send order per sender.
type Signal struct {
	SessionID string          `json:"sessionId"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// Status is a participant's presence state in a session.
type Status string

const (
	StatusPresent Status = "present"
	StatusLeft    Status = "left"
)

// Participant is one user's presence record in a session. At most one active
// record exists per (session, user) pair.
type Participant struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	Status     Status `json:"status"`
	Muted      bool   `json:"is_muted"`
	VideoOff   bool   `json:"is_video_off"`
	HandRaised bool   `json:"is_hand_raised"`
}

// Flags is a merge-patch of a participant's media/hand state. Nil fields are
// left untouched by the relay.
type Flags struct {
	Muted      *bool `json:"is_muted,omitempty"`
	VideoOff   *bool `json:"is_video_off,omitempty"`
	HandRaised *bool `json:"is_hand_raised,omitempty"`
}

// Bool returns a *bool for building Flags literals.
func Bool(v bool) *bool { return &v }

// SDPPayload carries a session description inside a Signal.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one ICE candidate inside a Signal.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// MarshalSDP encodes an SDP payload. Marshal of these fixed shapes cannot fail.
func MarshalSDP(sdp string) json.RawMessage {
	b, _ := json.Marshal(SDPPayload{SDP: sdp})
	return b
}

// MarshalCandidate encodes an ICE candidate payload.
func MarshalCandidate(c CandidatePayload) json.RawMessage {
	b, _ := json.Marshal(c)
	return b
}
