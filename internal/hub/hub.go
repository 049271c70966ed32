// Package hub is the in-memory Room Store and Chat Channel: a registry of lobby
// actors keyed by room id.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/lobby"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

const subscriberBuffer = 16

// reclaimAfter is how long a finished room with no subscribers is kept.
const reclaimAfter = 2 * time.Minute

type HubMsg interface{ isHubMsg() }

type CreateLobby struct {
	State engine.RoomState
	Reply chan CreateResult
}

type CreateResult struct {
	Lobby   *lobby.Lobby
	Created bool // false when the code was already taken
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type ListLobbies struct {
	Reply chan []*lobby.Lobby
}

// RemoveLobby drops a room. When Lobby is set the entry is only removed if it
// still points at that lobby.
type RemoveLobby struct {
	Code  string
	Lobby *lobby.Lobby
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (ListLobbies) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox     chan HubMsg
	lobbies   map[string]*lobby.Lobby
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	idleAfter time.Duration
}

var _ store.RoomStore = (*Hub)(nil)
var _ store.ChatChannel = (*Hub)(nil)

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:     make(chan HubMsg, 64),
		lobbies:   make(map[string]*lobby.Lobby),
		log:       log.Named("hub"),
		ctx:       ctx,
		cancel:    cancel,
		idleAfter: reclaimAfter,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				if lb := h.lobbies[msg.State.RoomID]; lb != nil {
					msg.Reply <- CreateResult{Lobby: lb}
					break
				}
				lb := lobby.NewLobby(h.ctx, msg.State, h.log, lobby.WhenIdle(h.idleAfter, h.reclaim))
				h.lobbies[msg.State.RoomID] = lb
				msg.Reply <- CreateResult{Lobby: lb, Created: true}

			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case ListLobbies:
				out := make([]*lobby.Lobby, 0, len(h.lobbies))
				for _, lb := range h.lobbies {
					out = append(out, lb)
				}
				msg.Reply <- out

			case RemoveLobby:
				lb := h.lobbies[msg.Code]
				if lb == nil || (msg.Lobby != nil && msg.Lobby != lb) {
					break
				}
				select {
				case lb.Inbox() <- lobby.Shutdown{}:
				case <-lb.Done():
				}
				delete(h.lobbies, msg.Code)
				h.log.Debug("room removed", zap.String("room", msg.Code))

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		select {
		case lb.Inbox() <- lobby.Shutdown{}:
		case <-lb.Done():
		}
	}
	clear(h.lobbies)
	h.cancel()
}

// reclaim forgets a lobby that shut itself down.
func (h *Hub) reclaim(lb *lobby.Lobby) {
	select {
	case h.inbox <- RemoveLobby{Code: lb.RoomID(), Lobby: lb}:
	case <-h.ctx.Done():
	}
}

// Close stops the hub and every lobby it owns.
func (h *Hub) Close() error {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.ctx.Done():
	}
	return nil
}

// ask sends msg to the hub loop, failing with ErrUnavailable once the hub is gone.
func (h *Hub) ask(ctx context.Context, msg HubMsg) error {
	select {
	case h.inbox <- msg:
		return nil
	case <-h.ctx.Done():
		return fmt.Errorf("%w: hub closed", store.ErrUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, fmt.Errorf("%w: room closed", store.ErrUnavailable)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func send(ctx context.Context, lb *lobby.Lobby, msg lobby.Msg) error {
	select {
	case lb.Inbox() <- msg:
		return nil
	case <-lb.Done():
		return fmt.Errorf("%w: room closed", store.ErrUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) lobby(ctx context.Context, roomID string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.ask(ctx, GetLobby{Code: roomID, Reply: reply}); err != nil {
		return nil, err
	}
	lb, err := await(ctx, h.ctx.Done(), reply)
	if err != nil {
		return nil, err
	}
	if lb == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, roomID)
	}
	return lb, nil
}

func (h *Hub) CreateRoom(ctx context.Context, state engine.RoomState) error {
	reply := make(chan CreateResult, 1)
	if err := h.ask(ctx, CreateLobby{State: state, Reply: reply}); err != nil {
		return err
	}
	res, err := await(ctx, h.ctx.Done(), reply)
	if err != nil {
		return err
	}
	if !res.Created {
		return fmt.Errorf("%w: %s", store.ErrExists, state.RoomID)
	}
	return nil
}

func (h *Hub) GetRoom(ctx context.Context, roomID string) (store.Snapshot, error) {
	lb, err := h.lobby(ctx, roomID)
	if err != nil {
		return store.Snapshot{}, err
	}
	reply := make(chan lobby.View, 1)
	if err := send(ctx, lb, lobby.GetState{Reply: reply}); err != nil {
		return store.Snapshot{}, err
	}
	v, err := await(ctx, lb.Done(), reply)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Version: v.Version, State: v.State}, nil
}

func (h *Hub) UpdateRoom(ctx context.Context, roomID string, p engine.Patch) (store.Snapshot, error) {
	lb, err := h.lobby(ctx, roomID)
	if err != nil {
		return store.Snapshot{}, err
	}
	reply := make(chan lobby.UpdateResult, 1)
	if err := send(ctx, lb, lobby.Update{Patch: p, Reply: reply}); err != nil {
		return store.Snapshot{}, err
	}
	res, err := await(ctx, lb.Done(), reply)
	if err != nil {
		return store.Snapshot{}, err
	}
	return res.Snapshot, res.Err
}

func (h *Hub) SubscribeRoom(ctx context.Context, roomID string) (<-chan store.Snapshot, store.Unsubscribe, error) {
	lb, err := h.lobby(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	id := uuid.NewString()
	out := make(chan store.Snapshot, subscriberBuffer)
	if err := send(ctx, lb, lobby.Join{ClientID: id, Outbox: out}); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			select {
			case lb.Inbox() <- lobby.Leave{ClientID: id}:
			case <-lb.Done():
			}
		})
	}
	return out, unsubscribe, nil
}

func (h *Hub) ListRoomsWherePhase(ctx context.Context, phase engine.Phase) ([]engine.RoomState, error) {
	reply := make(chan []*lobby.Lobby, 1)
	if err := h.ask(ctx, ListLobbies{Reply: reply}); err != nil {
		return nil, err
	}
	lobbies, err := await(ctx, h.ctx.Done(), reply)
	if err != nil {
		return nil, err
	}

	var rooms []engine.RoomState
	for _, lb := range lobbies {
		views := make(chan lobby.View, 1)
		if err := send(ctx, lb, lobby.GetState{Reply: views}); err != nil {
			continue // closed in the meantime
		}
		v, err := await(ctx, lb.Done(), views)
		if err != nil {
			continue
		}
		if v.State.Phase == phase {
			rooms = append(rooms, v.State)
		}
	}
	return rooms, nil
}

func (h *Hub) AppendMessage(ctx context.Context, roomID string, m store.Message) (store.Message, error) {
	lb, err := h.lobby(ctx, roomID)
	if err != nil {
		return store.Message{}, err
	}
	reply := make(chan store.Message, 1)
	if err := send(ctx, lb, lobby.Post{Message: m, Reply: reply}); err != nil {
		return store.Message{}, err
	}
	return await(ctx, lb.Done(), reply)
}

func (h *Hub) SubscribeMessages(ctx context.Context, roomID string) (<-chan store.Message, store.Unsubscribe, error) {
	lb, err := h.lobby(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	id := uuid.NewString()
	live := make(chan store.Message, subscriberBuffer)
	backlog := make(chan []store.Message, 1)
	if err := send(ctx, lb, lobby.Listen{ClientID: id, Outbox: live, Backlog: backlog}); err != nil {
		return nil, nil, err
	}
	first, err := await(ctx, lb.Done(), backlog)
	if err != nil {
		return nil, nil, err
	}

	stop := make(chan struct{})
	out := make(chan store.Message, subscriberBuffer)
	go func() {
		defer close(out)
		for _, m := range first {
			select {
			case out <- m:
			case <-stop:
				return
			}
		}
		for m := range live {
			select {
			case out <- m:
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			select {
			case lb.Inbox() <- lobby.Unlisten{ClientID: id}:
			case <-lb.Done():
			}
		})
	}
	return out, unsubscribe, nil
}
