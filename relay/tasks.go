package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TypeCompactBoard = "board:compact"

	QueueDefault     = "default"
	QueueMaintenance = "maintenance"
)

// CompactBoardPayload identifies the clear stroke a compaction runs up to.
type CompactBoardPayload struct {
	SessionID     string `json:"session_id"`
	ClearStrokeID int64  `json:"clear_stroke_id"`
}

// NewCompactBoardTask builds the task enqueued after a board clear. Strokes
// before the clear are unreachable by replay and can be dropped.
func NewCompactBoardTask(sessionID string, clearStrokeID int64) (*asynq.Task, error) {
	payload, err := json.Marshal(CompactBoardPayload{
		SessionID:     sessionID,
		ClearStrokeID: clearStrokeID,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: encode compact payload: %w", err)
	}
	return asynq.NewTask(TypeCompactBoard, payload), nil
}

// TaskHandler processes background tasks against the store.
type TaskHandler struct {
	store *Store
	log   *logrus.Entry
}

func NewTaskHandler(store *Store, log *logrus.Logger) *TaskHandler {
	return &TaskHandler{store: store, log: log.WithField("component", "worker")}
}

// HandleCompactBoard deletes stroke log entries made obsolete by a clear.
func (h *TaskHandler) HandleCompactBoard(ctx context.Context, t *asynq.Task) error {
	var p CompactBoardPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode compact payload: %w", asynq.SkipRetry)
	}
	deleted, err := h.store.DeleteStrokesBefore(ctx, p.SessionID, p.ClearStrokeID)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"session_id": p.SessionID,
		"deleted":    deleted,
	}).Info("compacted board history")
	return nil
}
