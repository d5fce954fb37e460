package whiteboard

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Tool selects how pointer gestures are turned into strokes.
type Tool string

const (
	ToolPen    Tool = "pen"
	ToolLine   Tool = "line"
	ToolRect   Tool = "rect"
	ToolCircle Tool = "circle"
	ToolEraser Tool = "eraser"
)

// Board replicates one session's whiteboard for one user: it turns local
// pointer gestures into committed strokes and replays every committed stroke
// (local or remote) onto the canvas.
type Board struct {
	sessionID string
	userID    string
	store     Store
	canvas    Canvas
	log       *logrus.Entry

	mu          sync.Mutex
	history     []Stroke
	tool        Tool
	color       string
	strokeWidth float64

	drawing bool
	points  []Point
	start   Point
	cur     Point

	loaded      bool
	pending     []Stroke
	unsubscribe func()
}

// NewBoard creates a board for one session-view. Call Load before drawing.
func NewBoard(sessionID, userID string, store Store, canvas Canvas, logger *logrus.Logger) *Board {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Board{
		sessionID:   sessionID,
		userID:      userID,
		store:       store,
		canvas:      canvas,
		log:         logger.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID}),
		tool:        ToolPen,
		color:       "#000000",
		strokeWidth: 2,
	}
}

// Load fetches the full stroke history, replays it from a blank canvas and
// then switches to live replication. Strokes pushed while history is loading
// are buffered and applied afterwards, so late joiners never miss or
// double-apply a stroke.
func (b *Board) Load(ctx context.Context) error {
	unsubscribe, err := b.store.SubscribeStrokes(ctx, b.sessionID, b.onStroke)
	if err != nil {
		return fmt.Errorf("subscribe strokes: %w", err)
	}
	strokes, err := b.store.Strokes(ctx, b.sessionID)
	if err != nil {
		unsubscribe()
		return fmt.Errorf("load strokes: %w", err)
	}

	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.canvas.Clear()
	b.history = b.history[:0]
	var maxID int64
	for _, s := range strokes {
		b.applyLocked(s)
		if s.ID > maxID {
			maxID = s.ID
		}
	}
	for _, s := range b.pending {
		if s.ID != 0 && s.ID <= maxID {
			continue
		}
		b.applyLocked(s)
	}
	b.pending = nil
	b.loaded = true
	b.mu.Unlock()

	b.log.WithField("strokes", len(strokes)).Info("whiteboard history loaded")
	return nil
}

// Close cancels the live stroke subscription.
func (b *Board) Close() {
	b.mu.Lock()
	unsub := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// SetTool selects the active drawing tool.
func (b *Board) SetTool(t Tool) {
	b.mu.Lock()
	b.tool = t
	b.mu.Unlock()
}

// SetColor sets the stroke color (#rrggbb).
func (b *Board) SetColor(c string) {
	b.mu.Lock()
	b.color = c
	b.mu.Unlock()
}

// SetStrokeWidth sets the stroke width in pixels.
func (b *Board) SetStrokeWidth(w float64) {
	b.mu.Lock()
	b.strokeWidth = w
	b.mu.Unlock()
}

// History returns a snapshot of the applied stroke log.
func (b *Board) History() []Stroke {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Stroke, len(b.history))
	copy(out, b.history)
	return out
}

// PointerDown enters the Drawing state at p.
func (b *Board) PointerDown(p Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawing {
		return
	}
	b.drawing = true
	b.start = p
	b.cur = p
	b.points = []Point{p}
}

// PointerMove extends the gesture. Freehand tools paint the new segment
// immediately for local feedback; shape tools only track the endpoint. No
// network traffic happens per move.
func (b *Board) PointerMove(p Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.drawing {
		return
	}
	prev := b.cur
	b.cur = p
	switch b.tool {
	case ToolPen:
		b.points = append(b.points, p)
		b.canvas.StrokeLine(prev, p, b.color, b.strokeWidth)
	case ToolEraser:
		b.points = append(b.points, p)
		b.canvas.ErasePath([]Point{prev, p}, b.strokeWidth*EraserWidthMultiplier)
	}
}

// PointerUp finalizes the gesture into one immutable stroke, persists it,
// appends it to history and paints the committed form.
func (b *Board) PointerUp(ctx context.Context) (Stroke, error) {
	b.mu.Lock()
	if !b.drawing {
		b.mu.Unlock()
		return Stroke{}, nil
	}
	b.drawing = false
	op := b.finalizeOpLocked()
	b.mu.Unlock()

	return b.commit(ctx, op)
}

// AddText commits a text stroke at the given origin.
func (b *Board) AddText(ctx context.Context, origin Point, text string, fontSize float64) (Stroke, error) {
	b.mu.Lock()
	op := Op{
		Kind:     KindText,
		StartX:   origin.X,
		StartY:   origin.Y,
		Text:     text,
		FontSize: fontSize,
		Color:    b.color,
	}
	b.mu.Unlock()
	return b.commit(ctx, op)
}

// Clear commits a clear stroke: every replaying client wipes its canvas, and
// the authoring client also resets its local history.
func (b *Board) Clear(ctx context.Context) error {
	if err := b.store.ClearBoard(ctx, b.sessionID, b.userID); err != nil {
		return fmt.Errorf("clear board: %w", err)
	}
	b.mu.Lock()
	b.canvas.Clear()
	b.history = b.history[:0]
	b.mu.Unlock()
	return nil
}

func (b *Board) finalizeOpLocked() Op {
	op := Op{Color: b.color, StrokeWidth: b.strokeWidth}
	switch b.tool {
	case ToolPen:
		op.Kind = KindPath
		op.Points = b.points
	case ToolEraser:
		op.Kind = KindEraser
		op.Points = b.points
		op.Color = ""
	case ToolLine:
		op.Kind = KindLine
		op.StartX, op.StartY = b.start.X, b.start.Y
		op.EndX, op.EndY = b.cur.X, b.cur.Y
	case ToolRect:
		op.Kind = KindRect
		op.StartX, op.StartY = b.start.X, b.start.Y
		op.Width = b.cur.X - b.start.X
		op.Height = b.cur.Y - b.start.Y
	case ToolCircle:
		op.Kind = KindCircle
		op.StartX, op.StartY = b.start.X, b.start.Y
		op.Radius = math.Hypot(b.cur.X-b.start.X, b.cur.Y-b.start.Y)
	}
	b.points = nil
	return op
}

func (b *Board) commit(ctx context.Context, op Op) (Stroke, error) {
	if err := op.Validate(); err != nil {
		return Stroke{}, err
	}
	stroke, err := b.store.AddStroke(ctx, b.sessionID, b.userID, op)
	if err != nil {
		return Stroke{}, fmt.Errorf("add stroke: %w", err)
	}
	b.mu.Lock()
	b.applyLocked(stroke)
	b.mu.Unlock()
	return stroke, nil
}

// onStroke receives every stroke committed to the session. Our own strokes
// were already applied at commit time; strokes that arrive while history is
// loading are buffered by Load.
func (b *Board) onStroke(s Stroke) {
	if s.UserID == b.userID && s.Op.Kind != KindClear {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		b.pending = append(b.pending, s)
		return
	}
	if s.Op.Kind == KindClear && s.UserID == b.userID {
		// Authored clears already wiped canvas and history in Clear.
		return
	}
	b.applyLocked(s)
}

func (b *Board) applyLocked(s Stroke) {
	if s.Op.Kind == KindClear {
		b.canvas.Clear()
		b.history = b.history[:0]
		return
	}
	b.history = append(b.history, s)
	Replay(b.canvas, s)
}
