package controller

import (
	"context"
	"time"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
)

type Msg interface{ isControllerMsg() }

type createRoom struct {
	ctx   context.Context
	Reply chan createResult
}

type createResult struct {
	RoomID string
	Err    error
}

type joinRoom struct {
	ctx    context.Context
	RoomID string
	Reply  chan error
}

// command carries a game action for the current room.
type command struct {
	ctx   context.Context
	Type  engine.CommandType
	Vote  engine.Vote
	Reply chan error
}

type sendMessage struct {
	ctx   context.Context
	Text  string
	Reply chan error
}

type leave struct {
	Reply chan struct{}
}

func (createRoom) isControllerMsg()  {}
func (joinRoom) isControllerMsg()    {}
func (command) isControllerMsg()     {}
func (sendMessage) isControllerMsg() {}
func (leave) isControllerMsg()       {}

// View is what one user sees of the room they are in. The zero View means
// "not in a room".
type View struct {
	RoomID    string              `json:"roomId,omitempty"`
	Version   int64               `json:"version"`
	Room      *engine.RoomState   `json:"room,omitempty"`
	Product   *engine.ProductView `json:"product,omitempty"`
	Checklist []string            `json:"checklist,omitempty"`
	UserRole  engine.Role         `json:"userRole,omitempty"`
	UserVote  engine.Vote         `json:"userVote,omitempty"`
	Voted     []string            `json:"voted,omitempty"`
	TimeLeft  int                 `json:"timeLeft"` // seconds
	VotesIn   int                 `json:"votesIn"`
	AllVoted  bool                `json:"allVoted"`
	IsHost    bool                `json:"isHost"`
}

type Options struct {
	VoteDuration time.Duration
	Tick         time.Duration
	MaxRounds    int
}

func (o Options) withDefaults() Options {
	if o.VoteDuration <= 0 {
		o.VoteDuration = 60 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = 3
	}
	return o
}
