package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/yoshi-inspect/internal/controller"
	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/identity"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
	"github.com/DoyleJ11/yoshi-inspect/internal/types"
)

const (
	writeTimeout   = 3 * time.Second
	commandTimeout = 5 * time.Second
	pingInterval   = 30 * time.Second
)

type Deps struct {
	Rooms    store.RoomStore
	Chat     store.ChatChannel
	Catalog *engine.Catalog
	Options controller.Options
	Log     *zap.Logger
	// OriginPatterns are passed to websocket.Accept; empty means same-origin only.
	OriginPatterns []string
}

// Handler runs one Controller per connection. Views and chat messages are pushed
// as they change; client commands are answered with Ack or Error. It expects
// identity.Sessions.RequireAuth in front of it.
func Handler(d Deps) http.HandlerFunc {
	log := d.Log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity.FromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: d.OriginPatterns,
		})
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		log := log.With(zap.String("user", user.ID))

		ctrl := controller.New(d.Rooms, d.Chat, d.Catalog, identity.Authenticated(user), d.Options, d.Log)

		ctx, cancel := context.WithCancel(r.Context())
		replies := make(chan types.ServerMessage, 8)
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer cancel()
			if err := writeLoop(ctx, conn, ctrl, replies); err != nil && ctx.Err() == nil {
				log.Debug("websocket write ended", zap.Error(err))
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if ctx.Err() == nil {
						log.Debug("websocket read ended", zap.Error(err))
					}
				}
				break
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				reply(ctx, replies, types.ServerMessage{Type: types.ServerError, Error: "bad json"})
				continue
			}

			cmdCtx, cmdCancel := context.WithTimeout(ctx, commandTimeout)
			reply(ctx, replies, dispatch(cmdCtx, ctrl, cm))
			cmdCancel()
		}

		cancel()
		<-writerDone
		if err := multierr.Combine(ctrl.Close(), conn.Close(websocket.StatusNormalClosure, "bye")); err != nil {
			log.Debug("closing connection", zap.Error(err))
		}
	}
}

func reply(ctx context.Context, replies chan<- types.ServerMessage, m types.ServerMessage) {
	select {
	case replies <- m:
	case <-ctx.Done():
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, ctrl *controller.Controller, replies <-chan types.ServerMessage) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	write := func(m types.ServerMessage) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, m)
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-ctrl.Views():
			err = write(types.ServerMessage{Type: types.ServerView, View: &v})
		case m := <-ctrl.Messages():
			err = write(types.ServerMessage{Type: types.ServerChat, Message: &m})
		case m := <-replies:
			err = write(m)
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Ping(pctx)
			cancel()
		}
		if err != nil {
			return err
		}
	}
}

func dispatch(ctx context.Context, ctrl *controller.Controller, cm types.ClientMessage) types.ServerMessage {
	ack := types.ServerMessage{Type: types.ServerAck, RequestID: cm.RequestID}
	var err error
	switch cm.Type {
	case types.ClientCreateRoom:
		ack.RoomID, err = ctrl.CreateRoom(ctx)
	case types.ClientJoinRoom:
		err = ctrl.JoinRoom(ctx, cm.RoomID)
		if err == nil {
			ack.RoomID = ctrl.View().RoomID
		}
	case types.ClientLeaveRoom:
		ctrl.Leave()
	case types.ClientStartGame:
		err = ctrl.StartGame(ctx)
	case types.ClientStartVoting:
		err = ctrl.StartVoting(ctx)
	case types.ClientCastVote:
		err = ctrl.CastVote(ctx, engine.Vote(cm.Vote))
	case types.ClientSendMessage:
		err = ctrl.SendMessage(ctx, cm.Text)
	default:
		err = errUnknownType
	}
	if err != nil {
		return errorMessage(cm.RequestID, err)
	}
	return ack
}

var errUnknownType = errors.New("unknown type")

// errorMessage turns a command failure into something a player can read.
func errorMessage(requestID string, err error) types.ServerMessage {
	msg := types.ServerMessage{Type: types.ServerError, RequestID: requestID, Error: err.Error()}
	switch {
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		msg.Error = "connection problem, please try again"
		msg.Retryable = true
	case errors.Is(err, store.ErrNotFound):
		msg.Error = "room not found"
	case errors.Is(err, engine.ErrInsufficientPlayers):
		msg.Error = "need at least 2 players to start"
	case errors.Is(err, controller.ErrNotSignedIn):
		msg.Error = "please sign in first"
	case errors.Is(err, engine.ErrNotAMember):
		msg.Error = "you are not in this room"
	case errors.Is(err, engine.ErrUnauthorized):
		msg.Error = "only the host can do that"
	}
	return msg
}
