// Package relay implements the reference signaling and whiteboard relay
// server: REST endpoints for session membership and stroke history, a
// WebSocket hub for signal routing and push, MySQL persistence and Redis
// fan-out between relay instances.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/formacademy/liveclass/signal"
	"github.com/formacademy/liveclass/whiteboard"
)

var ErrNotFound = errors.New("relay: not found")

// SessionRow is a conferencing session.
type SessionRow struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (SessionRow) TableName() string { return "sessions" }

// ParticipantRow tracks per-session membership and media flags. A user has
// at most one row per session; rejoin flips status back to present.
type ParticipantRow struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	SessionID    string    `gorm:"size:64;uniqueIndex:idx_session_user" json:"sessionId"`
	UserID       string    `gorm:"size:64;uniqueIndex:idx_session_user" json:"userId"`
	Status       string    `gorm:"size:16;default:present" json:"status"`
	IsMuted      bool      `json:"isMuted"`
	IsVideoOff   bool      `json:"isVideoOff"`
	IsHandRaised bool      `json:"isHandRaised"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
}

func (ParticipantRow) TableName() string { return "participants" }

// SignalRow archives routed signaling messages for debugging.
type SignalRow struct {
	ID          uint      `gorm:"primaryKey"`
	SessionID   string    `gorm:"size:64;index"`
	SenderID    string    `gorm:"size:64"`
	RecipientID string    `gorm:"size:64"`
	SignalType  string    `gorm:"size:32"`
	SignalData  string    `gorm:"type:mediumtext"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (SignalRow) TableName() string { return "signals" }

// StrokeRow is one entry of a session's append-only whiteboard log. The
// auto-increment ID is the replay order.
type StrokeRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	SessionID  string    `gorm:"size:64;index:idx_session_id_stroke"`
	UserID     string    `gorm:"size:64"`
	StrokeData string    `gorm:"type:mediumtext"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (StrokeRow) TableName() string { return "whiteboard_strokes" }

// Store wraps the relational persistence layer.
type Store struct {
	db *gorm.DB
}

// OpenStore connects to MySQL and migrates the schema.
func OpenStore(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("relay: open database: %w", err)
	}
	if err := db.AutoMigrate(&SessionRow{}, &ParticipantRow{}, &SignalRow{}, &StrokeRow{}); err != nil {
		return nil, fmt.Errorf("relay: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle, used by tests.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) CreateSession(ctx context.Context, id, name string) (*SessionRow, error) {
	row := &SessionRow{ID: id, Name: name}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("relay: create session: %w", err)
	}
	return row, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relay: get session: %w", err)
	}
	return &row, nil
}

// UpsertParticipant marks the user present in the session, creating the row
// on first join and resetting status on rejoin. Media flags persist across
// rejoin.
func (s *Store) UpsertParticipant(ctx context.Context, sessionID, userID string) error {
	row := &ParticipantRow{SessionID: sessionID, UserID: userID, Status: string(signal.StatusPresent)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"status": string(signal.StatusPresent)}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("relay: upsert participant: %w", err)
	}
	return nil
}

func (s *Store) MarkParticipantLeft(ctx context.Context, sessionID, userID string) error {
	res := s.db.WithContext(ctx).Model(&ParticipantRow{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Update("status", string(signal.StatusLeft))
	if res.Error != nil {
		return fmt.Errorf("relay: mark participant left: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PatchFlags applies a merge-patch of media flags to one participant.
func (s *Store) PatchFlags(ctx context.Context, sessionID, userID string, flags signal.Flags) error {
	updates := map[string]interface{}{}
	if flags.Muted != nil {
		updates["is_muted"] = *flags.Muted
	}
	if flags.VideoOff != nil {
		updates["is_video_off"] = *flags.VideoOff
	}
	if flags.HandRaised != nil {
		updates["is_hand_raised"] = *flags.HandRaised
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&ParticipantRow{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("relay: patch flags: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Participants(ctx context.Context, sessionID string) ([]signal.Participant, error) {
	var rows []ParticipantRow
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relay: list participants: %w", err)
	}
	out := make([]signal.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, signal.Participant{
			SessionID:  r.SessionID,
			UserID:     r.UserID,
			Status:     signal.Status(r.Status),
			Muted:      r.IsMuted,
			VideoOff:   r.IsVideoOff,
			HandRaised: r.IsHandRaised,
		})
	}
	return out, nil
}

// SaveSignal archives a routed signal.
func (s *Store) SaveSignal(ctx context.Context, sig *signal.Signal) error {
	row := &SignalRow{
		SessionID:   sig.SessionID,
		SenderID:    sig.From,
		RecipientID: sig.To,
		SignalType:  string(sig.Type),
		SignalData:  string(sig.Payload),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("relay: save signal: %w", err)
	}
	return nil
}

// AppendStroke persists one whiteboard operation and returns the stored
// stroke with its assigned sequence ID.
func (s *Store) AppendStroke(ctx context.Context, sessionID, userID string, op whiteboard.Op) (*whiteboard.Stroke, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("relay: encode stroke: %w", err)
	}
	row := &StrokeRow{SessionID: sessionID, UserID: userID, StrokeData: string(data)}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("relay: append stroke: %w", err)
	}
	return &whiteboard.Stroke{
		ID:        row.ID,
		SessionID: sessionID,
		UserID:    userID,
		Op:        op,
		CreatedAt: row.CreatedAt,
	}, nil
}

// Strokes returns the session's stroke log in insertion order.
func (s *Store) Strokes(ctx context.Context, sessionID string) ([]whiteboard.Stroke, error) {
	var rows []StrokeRow
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("relay: list strokes: %w", err)
	}
	out := make([]whiteboard.Stroke, 0, len(rows))
	for _, r := range rows {
		var op whiteboard.Op
		if err := json.Unmarshal([]byte(r.StrokeData), &op); err != nil {
			return nil, fmt.Errorf("relay: decode stroke %d: %w", r.ID, err)
		}
		out = append(out, whiteboard.Stroke{
			ID:        r.ID,
			SessionID: r.SessionID,
			UserID:    r.UserID,
			Op:        op,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// DeleteStrokesBefore removes log entries older than the given stroke ID.
// Run by the compaction worker after a board clear: entries before the
// clear can never affect a replay again.
func (s *Store) DeleteStrokesBefore(ctx context.Context, sessionID string, strokeID int64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("session_id = ? AND id < ?", sessionID, strokeID).
		Delete(&StrokeRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("relay: compact strokes: %w", res.Error)
	}
	return res.RowsAffected, nil
}
