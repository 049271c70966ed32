// Package postgres implements the Room Store and Chat Channel on PostgreSQL.
//
// Rows are read and written through gorm. Conditional merges run inside a
// transaction holding the room row lock, so Patch.Expect is checked and applied
// atomically. Commits are announced with pg_notify and fanned out to local
// subscribers by a pgx LISTEN connection.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

const (
	roomChannel    = "room_changes"
	messageChannel = "room_messages"

	subscriberBuffer = 16
	reconnectDelay   = time.Second
)

type roomSub struct {
	ch   chan store.Snapshot
	last int64 // highest version delivered
}

type Store struct {
	db   *gorm.DB
	pool *pgxpool.Pool
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	roomSubs map[string]map[string]*roomSub
	msgSubs  map[string]map[string]chan messageRecord

	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ store.RoomStore = (*Store)(nil)
var _ store.ChatChannel = (*Store)(nil)

// Open connects, migrates the schema and starts the notification listener.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", store.ErrUnavailable, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&roomRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: listener pool: %v", store.ErrUnavailable, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(lctx)
	s := &Store{
		db:       db,
		pool:     pool,
		log:      log.Named("postgres"),
		now:      time.Now,
		roomSubs: make(map[string]map[string]*roomSub),
		msgSubs:  make(map[string]map[string]chan messageRecord),
		cancel:   cancel,
		group:    group,
	}
	group.Go(func() error { return s.listen(gctx) })
	return s, nil
}

// Close stops the listener, ends every subscription and closes both connection pools.
func (s *Store) Close() error {
	s.cancel()
	err := s.group.Wait()
	s.dropAll()
	s.pool.Close()
	if sqlDB, dbErr := s.db.DB(); dbErr != nil {
		err = multierr.Append(err, dbErr)
	} else {
		err = multierr.Append(err, sqlDB.Close())
	}
	return err
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// classify maps driver failures onto the store errors; engine errors pass through.
func classify(err error, roomID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrConflictRejected),
		errors.Is(err, engine.ErrInvalidPhase),
		errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrExists),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", store.ErrNotFound, roomID)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s", store.ErrExists, roomID)
	default:
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
}

func notify(tx *gorm.DB, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.Exec("SELECT pg_notify(?, ?)", channel, string(b)).Error
}

func (s *Store) CreateRoom(ctx context.Context, state engine.RoomState) error {
	rec := roomRecord{
		ID:      state.RoomID,
		Phase:   string(state.Phase),
		Version: 1,
		Doc:     state.Clone(),
	}
	return classify(s.db.WithContext(ctx).Create(&rec).Error, state.RoomID)
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (store.Snapshot, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", roomID).Error; err != nil {
		return store.Snapshot{}, classify(err, roomID)
	}
	return rec.snapshot(), nil
}

func (s *Store) UpdateRoom(ctx context.Context, roomID string, p engine.Patch) (store.Snapshot, error) {
	var out store.Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec roomRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", roomID).Error
		if err != nil {
			return err
		}
		out = rec.snapshot()

		next, changed, err := p.ApplyTo(rec.Doc)
		if err != nil || !changed {
			return err
		}
		rec.Doc = next
		rec.Phase = string(next.Phase)
		rec.Version++
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		out = rec.snapshot()
		return notify(tx, roomChannel, roomChange{RoomID: roomID, Version: rec.Version})
	})
	return out, classify(err, roomID)
}

func (s *Store) ListRoomsWherePhase(ctx context.Context, phase engine.Phase) ([]engine.RoomState, error) {
	var recs []roomRecord
	err := s.db.WithContext(ctx).Where("phase = ?", string(phase)).Order("created_at").Find(&recs).Error
	if err != nil {
		return nil, classify(err, "")
	}
	rooms := make([]engine.RoomState, len(recs))
	for i, r := range recs {
		rooms[i] = r.Doc
	}
	return rooms, nil
}

func (s *Store) SubscribeRoom(ctx context.Context, roomID string) (<-chan store.Snapshot, store.Unsubscribe, error) {
	id := uuid.NewString()
	sub := &roomSub{ch: make(chan store.Snapshot, subscriberBuffer)}

	// Register before reading so no commit between the read and the registration is lost.
	s.mu.Lock()
	if s.roomSubs[roomID] == nil {
		s.roomSubs[roomID] = make(map[string]*roomSub)
	}
	s.roomSubs[roomID][id] = sub
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.roomSubs[roomID][id]; ok {
			close(sub.ch)
			delete(s.roomSubs[roomID], id)
			if len(s.roomSubs[roomID]) == 0 {
				delete(s.roomSubs, roomID)
			}
		}
	}

	snap, err := s.GetRoom(ctx, roomID)
	if err != nil {
		unsubscribe()
		return nil, nil, err
	}
	s.deliverRoom(roomID, snap)
	return sub.ch, unsubscribe, nil
}

func (s *Store) deliverRoom(roomID string, snap store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.roomSubs[roomID] {
		if snap.Version <= sub.last {
			continue
		}
		select {
		case sub.ch <- snap:
			sub.last = snap.Version
		default:
			s.log.Debug("dropping slow room subscriber", zap.String("room", roomID), zap.String("client", id))
			close(sub.ch)
			delete(s.roomSubs[roomID], id)
		}
	}
}

func (s *Store) AppendMessage(ctx context.Context, roomID string, m store.Message) (store.Message, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The room lock serialises appends so seq order is commit order.
		var room roomRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&room, "id = ?", roomID).Error
		if err != nil {
			return err
		}
		var last messageRecord
		if err := tx.Where("room_id = ?", roomID).Order("seq desc").Limit(1).Find(&last).Error; err != nil {
			return err
		}

		sent := s.now().UTC().Truncate(time.Microsecond)
		if !sent.After(last.SentAt) {
			sent = last.SentAt.UTC().Add(time.Microsecond)
		}
		rec = messageRecord{
			ID:         uuid.NewString(),
			RoomID:     roomID,
			Text:       m.Text,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			SentAt:     sent,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return notify(tx, messageChannel, messagePosted{RoomID: roomID, Seq: rec.Seq})
	})
	if err != nil {
		return store.Message{}, classify(err, roomID)
	}
	return rec.message(), nil
}

func (s *Store) SubscribeMessages(ctx context.Context, roomID string) (<-chan store.Message, store.Unsubscribe, error) {
	id := uuid.NewString()
	live := make(chan messageRecord, subscriberBuffer)

	s.mu.Lock()
	if s.msgSubs[roomID] == nil {
		s.msgSubs[roomID] = make(map[string]chan messageRecord)
	}
	s.msgSubs[roomID][id] = live
	s.mu.Unlock()

	unlisten := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.msgSubs[roomID][id]; ok {
			close(ch)
			delete(s.msgSubs[roomID], id)
			if len(s.msgSubs[roomID]) == 0 {
				delete(s.msgSubs, roomID)
			}
		}
	}

	if _, err := s.GetRoom(ctx, roomID); err != nil {
		unlisten()
		return nil, nil, err
	}
	var backlog []messageRecord
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("seq").Find(&backlog).Error; err != nil {
		unlisten()
		return nil, nil, classify(err, roomID)
	}

	stop := make(chan struct{})
	out := make(chan store.Message, subscriberBuffer)
	go func() {
		defer close(out)
		var seen int64
		for _, rec := range backlog {
			select {
			case out <- rec.message():
				seen = rec.Seq
			case <-stop:
				return
			}
		}
		for rec := range live {
			if rec.Seq <= seen {
				continue // already in the backlog
			}
			select {
			case out <- rec.message():
				seen = rec.Seq
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			unlisten()
		})
	}
	return out, unsubscribe, nil
}

func (s *Store) deliverMessage(rec messageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.msgSubs[rec.RoomID] {
		select {
		case ch <- rec:
		default:
			s.log.Debug("dropping slow chat listener", zap.String("room", rec.RoomID), zap.String("client", id))
			close(ch)
			delete(s.msgSubs[rec.RoomID], id)
		}
	}
}

func (s *Store) hasSubscribers(subs func() int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subs() > 0
}

// dropAll closes every subscription; used when notifications may have been missed.
func (s *Store) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, subs := range s.roomSubs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(s.roomSubs, roomID)
	}
	for roomID, subs := range s.msgSubs {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.msgSubs, roomID)
	}
}

func (s *Store) listen(ctx context.Context) error {
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("notification listener lost its connection", zap.Error(err))
		s.dropAll() // subscribers resubscribe and resync from the rows
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Do not hand a listening connection back to the pool.
		conn.Hijack().Close(context.Background())
	}()

	for _, ch := range []string{roomChannel, messageChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return err
		}
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n)
	}
}

func (s *Store) dispatch(ctx context.Context, n *pgconn.Notification) {
	switch n.Channel {
	case roomChannel:
		var c roomChange
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			s.log.Warn("bad room notification", zap.String("payload", n.Payload), zap.Error(err))
			return
		}
		if !s.hasSubscribers(func() int { return len(s.roomSubs[c.RoomID]) }) {
			return
		}
		snap, err := s.GetRoom(ctx, c.RoomID)
		if err != nil {
			s.log.Warn("reload room", zap.String("room", c.RoomID), zap.Error(err))
			return
		}
		s.deliverRoom(c.RoomID, snap)

	case messageChannel:
		var p messagePosted
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			s.log.Warn("bad message notification", zap.String("payload", n.Payload), zap.Error(err))
			return
		}
		if !s.hasSubscribers(func() int { return len(s.msgSubs[p.RoomID]) }) {
			return
		}
		var rec messageRecord
		if err := s.db.WithContext(ctx).First(&rec, "seq = ?", p.Seq).Error; err != nil {
			s.log.Warn("reload message", zap.String("room", p.RoomID), zap.Int64("seq", p.Seq), zap.Error(err))
			return
		}
		s.deliverMessage(rec)
	}
}
