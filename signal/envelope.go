package signal

import "encoding/json"

// Envelope kind constants for the relay WebSocket channel.
// Membership and flag changes travel as roster pushes, and a board clear is
// the distinguished clear stroke, so those need no kinds of their own.
const (
	KindSignal = "signal"
	KindRoster = "roster"
	KindStroke = "stroke"
	KindError  = "error"
)

// Envelope is the single message shape exchanged over the relay WebSocket.
// Exactly one of the optional fields is populated, selected by Kind.
type Envelope struct {
	Kind         string          `json:"kind"`
	SessionID    string          `json:"sessionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Signal       *Signal         `json:"signal,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	Stroke       json.RawMessage `json:"stroke,omitempty"`
	Error        string          `json:"error,omitempty"`
}
