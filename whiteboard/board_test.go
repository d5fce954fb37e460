package whiteboard_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formacademy/liveclass/transport/inproc"
	"github.com/formacademy/liveclass/whiteboard"
)

func newBoardPair(t *testing.T) (*whiteboard.Board, *whiteboard.Raster, *whiteboard.Board, *whiteboard.Raster) {
	t.Helper()
	relay := inproc.New()
	ctx := context.Background()

	teacherCanvas := whiteboard.NewRaster(400, 300)
	teacher := whiteboard.NewBoard("math-101", "teacher", relay, teacherCanvas, nil)
	require.NoError(t, teacher.Load(ctx))
	t.Cleanup(teacher.Close)

	studentCanvas := whiteboard.NewRaster(400, 300)
	student := whiteboard.NewBoard("math-101", "student", relay, studentCanvas, nil)
	require.NoError(t, student.Load(ctx))
	t.Cleanup(student.Close)

	return teacher, teacherCanvas, student, studentCanvas
}

func TestRectGestureReplicates(t *testing.T) {
	teacher, teacherCanvas, student, studentCanvas := newBoardPair(t)
	ctx := context.Background()

	teacher.SetTool(whiteboard.ToolRect)
	teacher.SetColor("#ff0000")
	teacher.SetStrokeWidth(2)
	teacher.PointerDown(whiteboard.Point{X: 100, Y: 100})
	teacher.PointerMove(whiteboard.Point{X: 200, Y: 180})
	teacher.PointerMove(whiteboard.Point{X: 300, Y: 250})
	stroke, err := teacher.PointerUp(ctx)
	require.NoError(t, err)

	assert.Equal(t, whiteboard.KindRect, stroke.Op.Kind)
	assert.Equal(t, 100.0, stroke.Op.StartX)
	assert.Equal(t, 100.0, stroke.Op.StartY)
	assert.Equal(t, 200.0, stroke.Op.Width)
	assert.Equal(t, 150.0, stroke.Op.Height)

	// The student receives exactly one committed stroke; intermediate moves
	// never hit the wire.
	history := student.History()
	require.Len(t, history, 1)
	assert.Equal(t, stroke.Op, history[0].Op)
	assert.True(t, teacherCanvas.Equal(studentCanvas), "both canvases render the same rectangle")
}

func TestFreehandAndEraserConverge(t *testing.T) {
	teacher, teacherCanvas, _, studentCanvas := newBoardPair(t)
	ctx := context.Background()

	teacher.SetColor("#00aa00")
	teacher.SetStrokeWidth(4)
	teacher.PointerDown(whiteboard.Point{X: 20, Y: 150})
	for x := 40.0; x <= 380; x += 20 {
		teacher.PointerMove(whiteboard.Point{X: x, Y: 150})
	}
	_, err := teacher.PointerUp(ctx)
	require.NoError(t, err)

	teacher.SetTool(whiteboard.ToolEraser)
	teacher.SetStrokeWidth(2)
	teacher.PointerDown(whiteboard.Point{X: 100, Y: 150})
	teacher.PointerMove(whiteboard.Point{X: 200, Y: 150})
	_, err = teacher.PointerUp(ctx)
	require.NoError(t, err)

	assert.True(t, teacherCanvas.Equal(studentCanvas))
	assert.Equal(t, uint8(0), studentCanvas.Pixel(150, 150).A, "erased span is transparent on the replica")
	assert.NotEqual(t, uint8(0), studentCanvas.Pixel(300, 150).A, "path outside the eraser span survives")
}

func TestLateJoinerReplaysHistory(t *testing.T) {
	relay := inproc.New()
	ctx := context.Background()

	teacherCanvas := whiteboard.NewRaster(200, 200)
	teacher := whiteboard.NewBoard("s1", "teacher", relay, teacherCanvas, nil)
	require.NoError(t, teacher.Load(ctx))
	defer teacher.Close()

	teacher.SetTool(whiteboard.ToolLine)
	teacher.PointerDown(whiteboard.Point{X: 10, Y: 10})
	teacher.PointerMove(whiteboard.Point{X: 190, Y: 10})
	_, err := teacher.PointerUp(ctx)
	require.NoError(t, err)

	_, err = teacher.AddText(ctx, whiteboard.Point{X: 20, Y: 60}, "welcome", 14)
	require.NoError(t, err)

	// A client joining now must converge on the same pixels from history
	// alone.
	lateCanvas := whiteboard.NewRaster(200, 200)
	late := whiteboard.NewBoard("s1", "late", relay, lateCanvas, nil)
	require.NoError(t, late.Load(ctx))
	defer late.Close()

	assert.Len(t, late.History(), 2)
	assert.True(t, teacherCanvas.Equal(lateCanvas))

	// And it stays live after the replay.
	teacher.SetTool(whiteboard.ToolCircle)
	teacher.PointerDown(whiteboard.Point{X: 100, Y: 120})
	teacher.PointerMove(whiteboard.Point{X: 130, Y: 120})
	_, err = teacher.PointerUp(ctx)
	require.NoError(t, err)
	assert.True(t, teacherCanvas.Equal(lateCanvas))
}

func TestClearWipesEveryReplica(t *testing.T) {
	teacher, teacherCanvas, student, studentCanvas := newBoardPair(t)
	ctx := context.Background()

	teacher.PointerDown(whiteboard.Point{X: 50, Y: 50})
	teacher.PointerMove(whiteboard.Point{X: 150, Y: 150})
	_, err := teacher.PointerUp(ctx)
	require.NoError(t, err)
	require.Len(t, student.History(), 1)

	// The student, not the author, may also clear.
	require.NoError(t, student.Clear(ctx))

	blank := whiteboard.NewRaster(400, 300)
	assert.True(t, teacherCanvas.Equal(blank))
	assert.True(t, studentCanvas.Equal(blank))
	assert.Empty(t, teacher.History())
	assert.Empty(t, student.History())

	// Drawing after a clear starts a fresh history on both sides.
	teacher.PointerDown(whiteboard.Point{X: 10, Y: 10})
	teacher.PointerMove(whiteboard.Point{X: 20, Y: 20})
	_, err = teacher.PointerUp(ctx)
	require.NoError(t, err)
	assert.Len(t, student.History(), 1)
	assert.True(t, teacherCanvas.Equal(studentCanvas))
}
