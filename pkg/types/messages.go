package types

// Client -> Server (websocket text frames, JSON)
// Every message may carry requestId; the reply echoes it.
//
// CreateRoom: {}
//   replies Ack with roomId; the creator is host and first player
//
// JoinRoom:
//   roomId: string // case and full-width folded, e.g. "abc123" or "ＡＢＣ１２３"
//
// LeaveRoom: {}
//
// StartGame: {}        // host only, needs 2+ players
// StartVoting: {}      // host only
//
// CastVote:
//   vote: "approve" | "reject" // first vote of the round counts, later ones are ignored
//
// SendMessage:
//   text: string // trimmed, 1..200 characters

// Server -> Client
// View: see snapshot.go
//
// Message:
//   id, roomId, text, senderId, senderName: string
//   sentAt: RFC 3339 timestamp, strictly increasing per room
//
// Ack:
//   requestId: string
//   roomId: string // CreateRoom / JoinRoom only
//
// Error:
//   requestId: string
//   error: string
//   retryable: boolean // store or network trouble; the same request may succeed later
