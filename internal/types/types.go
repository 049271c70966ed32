package types

import (
	"github.com/DoyleJ11/yoshi-inspect/internal/controller"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Vote      string `json:"vote,omitempty"`
	Text      string `json:"text,omitempty"`
}

const (
	ClientCreateRoom  = "CreateRoom"
	ClientJoinRoom    = "JoinRoom"
	ClientLeaveRoom   = "LeaveRoom"
	ClientStartGame   = "StartGame"
	ClientStartVoting = "StartVoting"
	ClientCastVote    = "CastVote"
	ClientSendMessage = "SendMessage"
)

type ServerMessage struct {
	Type      string           `json:"type"` // "View" | "Message" | "Ack" | "Error"
	RequestID string           `json:"requestId,omitempty"`
	RoomID    string           `json:"roomId,omitempty"`
	View      *controller.View `json:"view,omitempty"`
	Message   *store.Message   `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

const (
	ServerView  = "View"
	ServerChat  = "Message"
	ServerAck   = "Ack"
	ServerError = "Error"
)
