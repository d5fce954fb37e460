// Package whiteboard implements the shared drawing surface: an append-only
// log of stroke operations replayed deterministically onto a 2D canvas.
package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the discriminant of a stroke operation.
type Kind string

const (
	KindPath   Kind = "path"
	KindLine   Kind = "line"
	KindRect   Kind = "rect"
	KindCircle Kind = "circle"
	KindText   Kind = "text"
	KindEraser Kind = "eraser"
	KindClear  Kind = "clear"
)

// Point is one canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Op is the operation payload of a stroke. Field usage depends on Kind:
// path/eraser carry Points; line carries Start+End; rect carries
// Start+Width+Height; circle carries Start+Radius; text carries
// Start+Text+FontSize; clear carries nothing.
type Op struct {
	Kind        Kind    `json:"type"`
	Points      []Point `json:"points,omitempty"`
	StartX      float64 `json:"startX,omitempty"`
	StartY      float64 `json:"startY,omitempty"`
	EndX        float64 `json:"endX,omitempty"`
	EndY        float64 `json:"endY,omitempty"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Radius      float64 `json:"radius,omitempty"`
	Text        string  `json:"text,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Stroke is one immutable drawing operation committed to a session's board.
type Stroke struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Op        Op        `json:"op"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Validate rejects operations whose geometry does not match their kind.
func (o Op) Validate() error {
	switch o.Kind {
	case KindPath, KindEraser:
		if len(o.Points) == 0 {
			return fmt.Errorf("stroke %s: no points", o.Kind)
		}
	case KindText:
		if o.Text == "" {
			return fmt.Errorf("stroke text: empty text")
		}
	case KindLine, KindRect, KindCircle, KindClear:
	default:
		return fmt.Errorf("stroke: unknown kind %q", o.Kind)
	}
	return nil
}

// ParseOp decodes a persisted stroke_data JSON document.
func ParseOp(data []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(data, &op); err != nil {
		return op, fmt.Errorf("parse stroke data: %w", err)
	}
	if err := op.Validate(); err != nil {
		return op, err
	}
	return op, nil
}

// Store is the transport contract the board needs: persisted stroke history
// plus a live stroke feed. The relay's WebSocket client and the in-process
// relay both implement it.
type Store interface {
	// Strokes returns the full ordered stroke history for a session.
	Strokes(ctx context.Context, sessionID string) ([]Stroke, error)
	// AddStroke persists and broadcasts one stroke, returning it with its
	// assigned id.
	AddStroke(ctx context.Context, sessionID, userID string, op Op) (Stroke, error)
	// ClearBoard commits a distinguished clear stroke for the session.
	ClearBoard(ctx context.Context, sessionID, userID string) error
	// SubscribeStrokes pushes every stroke committed to the session. The
	// returned function cancels the subscription.
	SubscribeStrokes(ctx context.Context, sessionID string, onStroke func(Stroke)) (func(), error)
}
