// Package store defines the shared Room Store and Chat Channel contracts.
//
// Every implementation applies engine.Patch values atomically against the stored
// document, checking Patch.Expect first, and notifies subscribers in commit order.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
)

var ErrNotFound = errors.New("room not found")
var ErrExists = errors.New("room already exists")
var ErrUnavailable = errors.New("store unavailable")

// Snapshot is one committed version of a room document.
type Snapshot struct {
	Version int64
	State   engine.RoomState
}

type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SentAt     time.Time `json:"sentAt"`
}

// Unsubscribe releases a subscription. Safe to call more than once.
type Unsubscribe func()

type RoomStore interface {
	// CreateRoom fails with ErrExists if the id is taken.
	CreateRoom(ctx context.Context, state engine.RoomState) error
	GetRoom(ctx context.Context, roomID string) (Snapshot, error)
	// UpdateRoom merges p into the stored room. A failed precondition returns an error
	// wrapping engine.ErrConflictRejected and leaves the room unchanged.
	UpdateRoom(ctx context.Context, roomID string, p engine.Patch) (Snapshot, error)
	// SubscribeRoom delivers the current snapshot, then committed changes in version
	// order. Intermediate versions may be coalesced into the latest one. The channel
	// is closed when the subscription ends; callers resubscribe to resync.
	SubscribeRoom(ctx context.Context, roomID string) (<-chan Snapshot, Unsubscribe, error)
	ListRoomsWherePhase(ctx context.Context, phase engine.Phase) ([]engine.RoomState, error)
}

type ChatChannel interface {
	// AppendMessage assigns ID and SentAt; SentAt is strictly increasing per room.
	AppendMessage(ctx context.Context, roomID string, m Message) (Message, error)
	// SubscribeMessages delivers the room's backlog in order, then new messages.
	SubscribeMessages(ctx context.Context, roomID string) (<-chan Message, Unsubscribe, error)
}
