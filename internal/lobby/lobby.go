package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

type Msg interface{ isLobbyMsg() }

// Update merges a patch into the room document.
type Update struct {
	Patch engine.Patch
	Reply chan UpdateResult
}

func (Update) isLobbyMsg() {}

type UpdateResult struct {
	Snapshot store.Snapshot
	Err      error
}

type Join struct {
	ClientID string
	Outbox   chan store.Snapshot // where this client wants to receive snapshots
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

type Post struct {
	Message store.Message
	Reply   chan store.Message
}

func (Post) isLobbyMsg() {}

// Listen registers a chat listener. Backlog receives the messages posted so far;
// Outbox receives everything posted afterwards.
type Listen struct {
	ClientID string
	Outbox   chan store.Message
	Backlog  chan []store.Message
}

func (Listen) isLobbyMsg() {}

type Unlisten struct{ ClientID string }

func (Unlisten) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	Version      int64
	NumClients   int
	NumListeners int
	NumMessages  int
	State        engine.RoomState
}

// Lobby owns one room document. All reads and writes go through its loop, so every
// Update is atomic and snapshots reach subscribers in commit order.
type Lobby struct {
	inbox     chan Msg
	roomID    string
	state     engine.RoomState
	version   int64
	clients   map[string]chan store.Snapshot
	listeners map[string]chan store.Message
	messages  []store.Message
	lastSent  time.Time
	now       func() time.Time
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	onIdle    func(*Lobby)
	idleAfter time.Duration
	idleTimer *time.Timer
	idleC     <-chan time.Time
}

type Option func(*Lobby)

// WhenIdle shuts the lobby down once its game is Finished and nobody has been
// subscribed for the given duration, then calls fn from a new goroutine.
func WhenIdle(after time.Duration, fn func(*Lobby)) Option {
	return func(l *Lobby) {
		l.idleAfter = after
		l.onIdle = fn
	}
}

func NewLobby(parent context.Context, initial engine.RoomState, log *zap.Logger, opts ...Option) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		inbox:     make(chan Msg, 64), // Small buffer
		roomID:    initial.RoomID,
		state:     initial.Clone(),
		version:   1,
		clients:   make(map[string]chan store.Snapshot),
		listeners: make(map[string]chan store.Message),
		now:       time.Now,
		log:       log.With(zap.String("room", initial.RoomID)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.checkIdle()

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case <-l.idleC:
			l.log.Debug("finished room idle, shutting down")
			l.shutdown()
			go l.onIdle(l)
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				// Register client + send current snapshot immediately
				l.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- l.snapshot()

			case Leave:
				if ch, ok := l.clients[msg.ClientID]; ok {
					close(ch)
					delete(l.clients, msg.ClientID)
				}

			case Update:
				next, changed, err := msg.Patch.ApplyTo(l.state)
				if err != nil {
					msg.Reply <- UpdateResult{Snapshot: l.snapshot(), Err: err}
					break
				}
				if changed {
					l.state = next
					l.version++
					l.broadcast(l.snapshot())
				}
				msg.Reply <- UpdateResult{Snapshot: l.snapshot()}

			case Post:
				m := msg.Message
				m.ID = uuid.NewString()
				m.RoomID = l.state.RoomID
				m.SentAt = l.stamp()
				l.messages = append(l.messages, m)
				l.fanOut(m)
				msg.Reply <- m

			case Listen:
				l.listeners[msg.ClientID] = msg.Outbox
				backlog := make([]store.Message, len(l.messages))
				copy(backlog, l.messages)
				msg.Backlog <- backlog

			case Unlisten:
				if ch, ok := l.listeners[msg.ClientID]; ok {
					close(ch)
					delete(l.listeners, msg.ClientID)
				}

			case GetState:
				msg.Reply <- View{
					Version:      l.version,
					NumClients:   len(l.clients),
					NumListeners: len(l.listeners),
					NumMessages:  len(l.messages),
					State:        l.state.Clone(),
				}

			case Shutdown:
				l.shutdown()
				return
			}
			l.checkIdle()
		}
	}
}

func (l *Lobby) snapshot() store.Snapshot {
	return store.Snapshot{Version: l.version, State: l.state.Clone()}
}

// stamp returns a server timestamp strictly after the previous one.
func (l *Lobby) stamp() time.Time {
	t := l.now().UTC()
	if !t.After(l.lastSent) {
		t = l.lastSent.Add(time.Microsecond)
	}
	l.lastSent = t
	return t
}

// checkIdle arms the idle timer while a finished room has no subscribers and
// disarms it as soon as someone subscribes again.
func (l *Lobby) checkIdle() {
	if l.onIdle == nil {
		return
	}
	idle := l.state.Phase == engine.PhaseFinished && len(l.clients) == 0 && len(l.listeners) == 0
	switch {
	case idle && l.idleC == nil:
		l.idleTimer = time.NewTimer(l.idleAfter)
		l.idleC = l.idleTimer.C
	case !idle && l.idleC != nil:
		l.idleTimer.Stop()
		l.idleTimer, l.idleC = nil, nil
	}
}

func (l *Lobby) shutdown() {
	if l.idleTimer != nil {
		l.idleTimer.Stop()
	}
	for id, ch := range l.clients {
		close(ch) // Tell client no more snapshots
		delete(l.clients, id)
	}
	for id, ch := range l.listeners {
		close(ch)
		delete(l.listeners, id)
	}
	l.cancel()
}

func (l *Lobby) broadcast(snap store.Snapshot) {
	for id, ch := range l.clients {
		select {
		case ch <- snap:
			//ok
		default:
			// Client is slow/full - drop them. A closed outbox tells them to resubscribe.
			l.log.Debug("dropping slow room subscriber", zap.String("client", id))
			close(ch)
			delete(l.clients, id)
		}
	}
}

func (l *Lobby) fanOut(m store.Message) {
	for id, ch := range l.listeners {
		select {
		case ch <- m:
		default:
			l.log.Debug("dropping slow chat listener", zap.String("client", id))
			close(ch)
			delete(l.listeners, id)
		}
	}
}

// RoomID is fixed at construction.
func (l *Lobby) RoomID() string { return l.roomID }

// Expose the inbox so tests or the hub can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the loop has exited.
func (l *Lobby) Done() <-chan struct{} { return l.done }
