package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

// openTestStore connects to TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRoom(t *testing.T, s *Store) engine.RoomState {
	t.Helper()
	code, err := engine.GenerateRoomCode()
	require.NoError(t, err)
	room := engine.NewRoomState(code, engine.Player{ID: "host", Name: "Host"}, 3, time.Now().UTC())
	require.NoError(t, s.CreateRoom(context.Background(), room))
	return room
}

func TestStore_CreateGetExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room := newRoom(t, s)

	snap, err := s.GetRoom(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, engine.PhaseLobby, snap.State.Phase)
	assert.Equal(t, []string{"host"}, snap.State.PlayerIDs())

	err = s.CreateRoom(ctx, room)
	assert.ErrorIs(t, err, store.ErrExists)

	_, err = s.GetRoom(ctx, "NOPE00")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_UpdateRoom_ConditionalMerge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room := newRoom(t, s)

	snap, err := s.UpdateRoom(ctx, room.RoomID, engine.Patch{
		Expect:    engine.ExpectPhase(engine.PhaseLobby),
		AddPlayer: &engine.Player{ID: "bob", Name: "Bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.Len(t, snap.State.Players, 2)

	snap, err = s.UpdateRoom(ctx, room.RoomID, engine.Patch{
		Expect:     engine.ExpectPhase(engine.PhaseVoting),
		ClearVotes: true,
	})
	assert.ErrorIs(t, err, engine.ErrConflictRejected)
	assert.Equal(t, int64(2), snap.Version, "rejected merge must not bump the version")
}

func TestStore_ConcurrentConditionalUpdates_ExactlyOneWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room := newRoom(t, s)

	const racers = 6
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			playing := engine.PhasePlaying
			_, errs[i] = s.UpdateRoom(ctx, room.RoomID, engine.Patch{
				Expect: engine.ExpectPhase(engine.PhaseLobby),
				Phase:  &playing,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, engine.ErrConflictRejected) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestStore_SubscribeRoomSeesCommits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room := newRoom(t, s)

	ch, unsubscribe, err := s.SubscribeRoom(ctx, room.RoomID)
	require.NoError(t, err)
	defer unsubscribe()

	first := <-ch
	assert.Equal(t, int64(1), first.Version)

	_, err = s.UpdateRoom(ctx, room.RoomID, engine.Patch{AddPlayer: &engine.Player{ID: "bob"}})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, int64(2), snap.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestStore_MessagesOrderedWithBacklog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room := newRoom(t, s)

	frozen := time.Now().UTC()
	s.now = func() time.Time { return frozen }

	_, err := s.AppendMessage(ctx, room.RoomID, store.Message{Text: "one", SenderID: "host"})
	require.NoError(t, err)

	ch, unsubscribe, err := s.SubscribeMessages(ctx, room.RoomID)
	require.NoError(t, err)
	defer unsubscribe()

	_, err = s.AppendMessage(ctx, room.RoomID, store.Message{Text: "two", SenderID: "host"})
	require.NoError(t, err)

	var got []store.Message
	for len(got) < 2 {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %+v", got)
		}
	}
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, "two", got[1].Text)
	assert.True(t, got[1].SentAt.After(got[0].SentAt), "timestamps must increase even with a frozen clock")

	_, err = s.AppendMessage(ctx, "NOPE00", store.Message{Text: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(engine.ErrConflictRejected, "R"), engine.ErrConflictRejected)
	assert.ErrorIs(t, classify(errors.New("connection reset"), "R"), store.ErrUnavailable)
	assert.NoError(t, classify(nil, "R"))
}
