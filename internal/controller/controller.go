// Package controller runs the per-client round state machine.
//
// A Controller is a single goroutine reacting to three inputs: room snapshots from
// the Room Store, a local countdown tick, and commands from its user. Every write it
// makes is a conditional engine.Patch, so any number of controllers can watch the
// same room and a round is still evaluated at most once.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/identity"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

var ErrNotSignedIn = fmt.Errorf("%w: not signed in", engine.ErrUnauthorized)
var ErrNotInRoom = fmt.Errorf("%w: not in a room", engine.ErrInvalidPhase)
var ErrClosed = errors.New("controller closed")

const (
	maxCreateAttempts = 5
	maxConflictRetry  = 3
	messageBuffer     = 64
)

type Controller struct {
	rooms store.RoomStore
	chat  store.ChatChannel // may be nil
	cat   *engine.Catalog
	user  identity.Provider
	opts  Options
	base  *zap.Logger
	log   *zap.Logger
	now   func() time.Time

	inbox    chan Msg
	views    chan View
	messages chan store.Message
	done     chan struct{}
	stop     context.CancelFunc
	ctx      context.Context

	mu     sync.Mutex
	latest View

	// Owned by the loop.
	roomID       string
	snap         store.Snapshot
	synced       bool
	roomCh       <-chan store.Snapshot
	unsubRoom    store.Unsubscribe
	msgCh        <-chan store.Message
	unsubMsgs    store.Unsubscribe
	seen         map[string]struct{}
	deadline     time.Time
	deadlineFor  int   // round the deadline belongs to
	evaluatedVer int64 // snapshot version of the last settled evaluation attempt
}

func New(rooms store.RoomStore, chat store.ChatChannel, cat *engine.Catalog, user identity.Provider, opts Options, log *zap.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		rooms:    rooms,
		chat:     chat,
		cat:      cat,
		user:     user,
		opts:     opts.withDefaults(),
		base:     log.Named("controller"),
		now:      time.Now,
		inbox:    make(chan Msg, 16),
		views:    make(chan View, 1),
		messages: make(chan store.Message, messageBuffer),
		done:     make(chan struct{}),
		stop:     cancel,
		ctx:      ctx,
		seen:     make(map[string]struct{}),
	}
	if u, ok := user.CurrentUser(); ok {
		c.base = c.base.With(zap.String("user", u.ID))
	}
	c.log = c.base
	go c.loop()
	return c
}

// Views delivers the latest View after every change. Stale views are replaced,
// never queued.
func (c *Controller) Views() <-chan View { return c.views }

// Messages delivers chat messages of the current room in order.
func (c *Controller) Messages() <-chan store.Message { return c.messages }

// View returns the most recently published View.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *Controller) CreateRoom(ctx context.Context) (string, error) {
	reply := make(chan createResult, 1)
	if err := c.send(ctx, createRoom{ctx: ctx, Reply: reply}); err != nil {
		return "", err
	}
	res, err := wait(ctx, c.done, reply)
	if err != nil {
		return "", err
	}
	return res.RoomID, res.Err
}

func (c *Controller) JoinRoom(ctx context.Context, roomID string) error {
	return c.ask(ctx, func(reply chan error) Msg { return joinRoom{ctx: ctx, RoomID: roomID, Reply: reply} })
}

func (c *Controller) StartGame(ctx context.Context) error {
	return c.ask(ctx, func(reply chan error) Msg { return command{ctx: ctx, Type: engine.CmdStartGame, Reply: reply} })
}

func (c *Controller) StartVoting(ctx context.Context) error {
	return c.ask(ctx, func(reply chan error) Msg { return command{ctx: ctx, Type: engine.CmdStartVoting, Reply: reply} })
}

func (c *Controller) CastVote(ctx context.Context, v engine.Vote) error {
	return c.ask(ctx, func(reply chan error) Msg { return command{ctx: ctx, Type: engine.CmdCastVote, Vote: v, Reply: reply} })
}

func (c *Controller) SendMessage(ctx context.Context, text string) error {
	return c.ask(ctx, func(reply chan error) Msg { return sendMessage{ctx: ctx, Text: text, Reply: reply} })
}

// Leave drops the room subscriptions and the countdown. In-flight writes may still land.
func (c *Controller) Leave() {
	reply := make(chan struct{})
	if c.send(context.Background(), leave{Reply: reply}) == nil {
		select {
		case <-reply:
		case <-c.done:
		}
	}
}

// Close leaves the room and stops the loop.
func (c *Controller) Close() error {
	c.stop()
	<-c.done
	return nil
}

func (c *Controller) send(ctx context.Context, m Msg) error {
	select {
	case c.inbox <- m:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) ask(ctx context.Context, build func(chan error) Msg) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, build(reply)); err != nil {
		return err
	}
	err, werr := wait(ctx, c.done, reply)
	if werr != nil {
		return werr
	}
	return err
}

func wait[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Controller) loop() {
	defer close(c.done)
	defer c.detach()

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case snap, ok := <-c.roomCh:
			if !ok {
				c.roomCh = nil
				c.resubscribe()
				continue
			}
			c.observe(snap)

		case m, ok := <-c.msgCh:
			if !ok {
				c.msgCh = nil
				c.resubscribe()
				continue
			}
			c.deliver(m)

		case <-ticker.C:
			if c.roomID != "" && (c.roomCh == nil || (c.chat != nil && c.msgCh == nil)) {
				c.resubscribe()
			}
			if c.synced && c.snap.State.Phase == engine.PhaseVoting {
				c.maybeEvaluate()
				c.publish()
			}

		case m := <-c.inbox:
			switch msg := m.(type) {
			case createRoom:
				id, err := c.createRoom(msg.ctx)
				msg.Reply <- createResult{RoomID: id, Err: err}
			case joinRoom:
				msg.Reply <- c.joinRoom(msg.ctx, msg.RoomID)
			case command:
				msg.Reply <- c.command(msg.ctx, msg.Type, msg.Vote)
			case sendMessage:
				msg.Reply <- c.sendMessage(msg.ctx, msg.Text)
			case leave:
				c.detach()
				c.publish()
				close(msg.Reply)
			}
		}
	}
}

func (c *Controller) player() (engine.Player, error) {
	u, ok := c.user.CurrentUser()
	if !ok {
		return engine.Player{}, ErrNotSignedIn
	}
	return engine.Player{ID: u.ID, Name: u.DisplayName, AvatarURL: u.AvatarURL}, nil
}

func (c *Controller) createRoom(ctx context.Context) (string, error) {
	host, err := c.player()
	if err != nil {
		return "", err
	}
	for attempt := 1; ; attempt++ {
		code, err := engine.GenerateRoomCode()
		if err != nil {
			return "", err
		}
		state := engine.NewRoomState(code, host, c.opts.MaxRounds, c.now().UTC())
		err = c.rooms.CreateRoom(ctx, state)
		if errors.Is(err, store.ErrExists) && attempt < maxCreateAttempts {
			c.log.Debug("room code taken, retrying", zap.String("room", code))
			continue
		}
		if err != nil {
			return "", err
		}
		c.log.Info("room created", zap.String("room", code))
		return code, c.attach(ctx, code)
	}
}

func (c *Controller) joinRoom(ctx context.Context, raw string) error {
	p, err := c.player()
	if err != nil {
		return err
	}
	roomID, err := engine.NormalizeRoomID(raw)
	if err != nil {
		return err
	}
	snap, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if _, err := c.mutate(ctx, roomID, snap, engine.Command{Type: engine.CmdJoin, Player: p}); err != nil {
		return err
	}
	c.log.Info("joined room", zap.String("room", roomID))
	return c.attach(ctx, roomID)
}

func (c *Controller) command(ctx context.Context, t engine.CommandType, v engine.Vote) error {
	p, err := c.player()
	if err != nil {
		return err
	}
	if c.roomID == "" || !c.synced {
		return ErrNotInRoom
	}
	snap, err := c.mutate(ctx, c.roomID, c.snap, engine.Command{Type: t, PlayerID: p.ID, Vote: v, At: c.now().UTC()})
	if err != nil {
		return err
	}
	c.observe(snap)
	return nil
}

// mutate applies cmd against base and writes the patch. A rejected precondition
// means base was stale: re-read and try again, so conflicts never reach the user.
func (c *Controller) mutate(ctx context.Context, roomID string, base store.Snapshot, cmd engine.Command) (store.Snapshot, error) {
	for attempt := 1; ; attempt++ {
		events, patch, err := engine.Apply(c.cat, base.State, cmd)
		if err != nil {
			return base, err
		}
		if patch.Empty() {
			return base, nil
		}
		next, err := c.rooms.UpdateRoom(ctx, roomID, patch)
		if err == nil {
			c.logEvents(events)
			return next, nil
		}
		if !errors.Is(err, engine.ErrConflictRejected) {
			return base, err
		}
		c.log.Debug("stale write, re-reading", zap.String("room", roomID), zap.String("cmd", string(cmd.Type)), zap.Error(err))
		if attempt >= maxConflictRetry {
			return base, nil
		}
		if base, err = c.rooms.GetRoom(ctx, roomID); err != nil {
			return base, err
		}
	}
}

func (c *Controller) sendMessage(ctx context.Context, text string) error {
	p, err := c.player()
	if err != nil {
		return err
	}
	if c.roomID == "" || !c.synced {
		return ErrNotInRoom
	}
	if c.chat == nil {
		return fmt.Errorf("%w: chat is disabled", store.ErrUnavailable)
	}
	if !c.snap.State.HasPlayer(p.ID) {
		return engine.ErrNotAMember
	}
	body, err := engine.PrepareMessage(text)
	if err != nil {
		return err
	}
	_, err = c.chat.AppendMessage(ctx, c.roomID, store.Message{Text: body, SenderID: p.ID, SenderName: p.Name})
	return err
}

func (c *Controller) attach(ctx context.Context, roomID string) error {
	c.detach()
	c.roomID = roomID
	c.log = c.base.With(zap.String("room", roomID))
	if err := c.subscribe(ctx); err != nil {
		return err
	}
	// Wait for the first snapshot so commands right after Join see the room.
	select {
	case snap, ok := <-c.roomCh:
		if ok {
			c.observe(snap)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Controller) subscribe(ctx context.Context) error {
	if c.roomCh == nil {
		ch, unsub, err := c.rooms.SubscribeRoom(ctx, c.roomID)
		if err != nil {
			return err
		}
		c.roomCh, c.unsubRoom = ch, unsub
	}
	if c.chat != nil && c.msgCh == nil {
		ch, unsub, err := c.chat.SubscribeMessages(ctx, c.roomID)
		if err != nil {
			return err
		}
		c.msgCh, c.unsubMsgs = ch, unsub
	}
	return nil
}

func (c *Controller) resubscribe() {
	if c.roomID == "" {
		return
	}
	if c.roomCh == nil && c.unsubRoom != nil {
		c.unsubRoom()
		c.unsubRoom = nil
	}
	if c.msgCh == nil && c.unsubMsgs != nil {
		c.unsubMsgs()
		c.unsubMsgs = nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*c.opts.Tick)
	defer cancel()
	if err := c.subscribe(ctx); err != nil {
		// Keep the last good snapshot; the next tick tries again.
		c.log.Warn("resubscribe failed", zap.Error(err))
	}
}

func (c *Controller) detach() {
	if c.unsubRoom != nil {
		c.unsubRoom()
	}
	if c.unsubMsgs != nil {
		c.unsubMsgs()
	}
	c.roomID = ""
	c.log = c.base
	c.snap = store.Snapshot{}
	c.synced = false
	c.roomCh, c.unsubRoom = nil, nil
	c.msgCh, c.unsubMsgs = nil, nil
	clear(c.seen)
	c.deadline = time.Time{}
	c.deadlineFor = 0
	c.evaluatedVer = 0
}

// observe adopts a snapshot if it is newer than the one held, then re-derives
// the countdown and checks whether the round should end.
func (c *Controller) observe(snap store.Snapshot) {
	if snap.State.RoomID != c.roomID || (c.synced && snap.Version <= c.snap.Version) {
		return
	}
	c.snap = snap
	c.synced = true

	s := snap.State
	if s.Phase == engine.PhaseVoting {
		if c.deadlineFor != s.CurrentRound || c.deadline.IsZero() {
			c.deadline = c.now().Add(c.opts.VoteDuration)
			c.deadlineFor = s.CurrentRound
		}
	} else {
		c.deadline = time.Time{}
		c.deadlineFor = 0
	}

	c.maybeEvaluate()
	c.publish()
}

func (c *Controller) logEvents(events []engine.Event) {
	for _, ev := range events {
		c.log.Debug("event",
			zap.String("type", string(ev.Type)),
			zap.String("player", ev.PlayerID),
			zap.Int("round", ev.Round),
			zap.String("winner", string(ev.Winner)))
	}
}

func (c *Controller) maybeEvaluate() {
	s := c.snap.State
	if s.Phase != engine.PhaseVoting || c.evaluatedVer == c.snap.Version {
		return
	}
	timeUp := !c.deadline.IsZero() && !c.now().Before(c.deadline)
	if !s.AllVoted() && !timeUp {
		return
	}

	events, patch, err := engine.Apply(c.cat, s, engine.Command{Type: engine.CmdEndRound, At: c.now().UTC()})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			c.log.DPanic("round evaluation rejected its own input", zap.Int("round", s.CurrentRound), zap.Error(err))
		}
		c.evaluatedVer = c.snap.Version
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	next, err := c.rooms.UpdateRoom(ctx, c.roomID, patch)
	switch {
	case err == nil:
		c.evaluatedVer = c.snap.Version
		c.log.Info("round evaluated",
			zap.Int("round", s.CurrentRound),
			zap.Bool("timeUp", timeUp),
			zap.Int("votes", len(s.Votes)))
		c.logEvents(events)
		c.observe(next)
	case errors.Is(err, engine.ErrConflictRejected):
		// Someone else got there first, or a late vote arrived. The winner's
		// snapshot is on its way through the subscription.
		c.evaluatedVer = c.snap.Version
		c.log.Debug("round evaluation lost the race", zap.Int("round", s.CurrentRound))
	default:
		// Retried on the next tick.
		c.log.Warn("round evaluation failed", zap.Int("round", s.CurrentRound), zap.Error(err))
	}
}

func (c *Controller) deliver(m store.Message) {
	if _, dup := c.seen[m.ID]; dup {
		return
	}
	c.seen[m.ID] = struct{}{}
	select {
	case c.messages <- m:
	default:
		c.log.Warn("message consumer too slow, dropping", zap.String("message", m.ID))
	}
}

func (c *Controller) publish() {
	v := c.buildView()
	c.mu.Lock()
	c.latest = v
	c.mu.Unlock()

	// Latest wins: replace an unread view.
	select {
	case <-c.views:
	default:
	}
	select {
	case c.views <- v:
	default:
	}
}

func (c *Controller) buildView() View {
	if c.roomID == "" || !c.synced {
		return View{}
	}
	u, _ := c.user.CurrentUser()
	s := c.snap.State
	room := redact(s, u.ID)

	v := View{
		RoomID:   s.RoomID,
		Version:  c.snap.Version,
		Room:     &room,
		VotesIn:  len(s.Votes),
		AllVoted: s.AllVoted(),
		IsHost:   s.HostID == u.ID,
	}
	if role, ok := s.Roles[u.ID]; ok {
		v.UserRole = role
		v.Checklist = c.cat.Checklist(role)
	}
	if vote, ok := s.Votes[u.ID]; ok {
		v.UserVote = vote
	}
	for _, p := range s.Players {
		if _, ok := s.Votes[p.ID]; ok {
			v.Voted = append(v.Voted, p.ID)
		}
	}
	if s.Phase == engine.PhasePlaying || s.Phase == engine.PhaseVoting {
		if p, err := c.cat.ProductForRound(s.CurrentRound); err == nil {
			pv := p.View()
			v.Product = &pv
		}
	}
	if s.Phase == engine.PhaseVoting && !c.deadline.IsZero() {
		left := c.deadline.Sub(c.now())
		v.TimeLeft = max(0, int(math.Ceil(left.Seconds())))
	}
	return v
}

// redact hides other players' roles and votes until the game is over.
func redact(s engine.RoomState, userID string) engine.RoomState {
	r := s.Clone()
	if s.Phase == engine.PhaseFinished {
		return r
	}
	r.Roles = engine.RoleMap{}
	if role, ok := s.Roles[userID]; ok {
		r.Roles[userID] = role
	}
	r.Votes = engine.VoteMap{}
	if vote, ok := s.Votes[userID]; ok {
		r.Votes[userID] = vote
	}
	return r
}
