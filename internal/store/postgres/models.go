package postgres

import (
	"time"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

// roomRecord keeps the whole room document in one jsonb column. Phase is copied
// out so open rooms can be listed without decoding every document.
type roomRecord struct {
	ID        string           `gorm:"primaryKey;type:varchar(16)"`
	Phase     string           `gorm:"index;type:varchar(16);not null"`
	Version   int64            `gorm:"not null"`
	Doc       engine.RoomState `gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (roomRecord) TableName() string { return "rooms" }

func (r roomRecord) snapshot() store.Snapshot {
	return store.Snapshot{Version: r.Version, State: r.Doc.Clone()}
}

type messageRecord struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	ID         string    `gorm:"uniqueIndex;type:uuid;not null"`
	RoomID     string    `gorm:"index;type:varchar(16);not null"`
	Text       string    `gorm:"type:text;not null"`
	SenderID   string    `gorm:"type:varchar(64);not null"`
	SenderName string    `gorm:"type:varchar(128)"`
	SentAt     time.Time `gorm:"not null"`
}

func (messageRecord) TableName() string { return "messages" }

func (m messageRecord) message() store.Message {
	return store.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		Text:       m.Text,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SentAt:     m.SentAt.UTC(),
	}
}

// notification payloads; rooms can outgrow the 8000 byte NOTIFY limit, so only
// keys travel and subscribers reload the row.
type roomChange struct {
	RoomID  string `json:"roomId"`
	Version int64  `json:"version"`
}

type messagePosted struct {
	RoomID string `json:"roomId"`
	Seq    int64  `json:"seq"`
}
