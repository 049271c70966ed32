// Package redischat is a Chat Channel on Redis Streams. Each room has one stream;
// the server-assigned entry ids give the message order and timestamps.
package redischat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

const (
	defaultPrefix    = "yoshi"
	subscriberBuffer = 16
	readBlock        = 2 * time.Second
	readCount        = 100
	// Streams are trimmed approximately to this many entries.
	maxLen = 1000
)

type Driver struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

var _ store.ChatChannel = (*Driver)(nil)

func New(client *redis.Client, key string, log *zap.Logger) *Driver {
	if key == "" {
		key = defaultPrefix
	}
	return &Driver{
		client: client,
		key:    key,
		log:    log.Named("redischat"),
	}
}

// Dial parses a redis:// URL and checks the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", store.ErrUnavailable, err)
	}
	return client, nil
}

func (d *Driver) streamKey(roomID string) string {
	return d.key + ":room:" + roomID + ":chat"
}

func (d *Driver) AppendMessage(ctx context.Context, roomID string, m store.Message) (store.Message, error) {
	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamKey(roomID),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{
			"text":       m.Text,
			"senderId":   m.SenderID,
			"senderName": m.SenderName,
		},
	}).Result()
	if err != nil {
		return store.Message{}, unavailable(err)
	}
	m.ID = id
	m.RoomID = roomID
	m.SentAt, err = entryTime(id)
	if err != nil {
		return store.Message{}, err
	}
	return m, nil
}

func (d *Driver) SubscribeMessages(ctx context.Context, roomID string) (<-chan store.Message, store.Unsubscribe, error) {
	stream := d.streamKey(roomID)
	backlog, err := d.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, nil, unavailable(err)
	}

	// The reader outlives the calling request.
	rctx, cancel := context.WithCancel(context.Background())
	out := make(chan store.Message, subscriberBuffer)
	go func() {
		defer close(out)
		last := "0-0"
		for _, x := range backlog {
			if !d.emit(rctx, out, roomID, x) {
				return
			}
			last = x.ID
		}
		for {
			streams, err := d.client.XRead(rctx, &redis.XReadArgs{
				Streams: []string{stream, last},
				Count:   readCount,
				Block:   readBlock,
			}).Result()
			if rctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				// Closing out tells the subscriber to resubscribe.
				d.log.Warn("chat stream read failed", zap.String("room", roomID), zap.Error(err))
				return
			}
			for _, s := range streams {
				for _, x := range s.Messages {
					if !d.emit(rctx, out, roomID, x) {
						return
					}
					last = x.ID
				}
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(cancel) }, nil
}

func (d *Driver) emit(ctx context.Context, out chan<- store.Message, roomID string, x redis.XMessage) bool {
	m, err := decode(roomID, x)
	if err != nil {
		d.log.Warn("skipping malformed chat entry", zap.String("room", roomID), zap.String("id", x.ID), zap.Error(err))
		return true
	}
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func decode(roomID string, x redis.XMessage) (store.Message, error) {
	sentAt, err := entryTime(x.ID)
	if err != nil {
		return store.Message{}, err
	}
	str := func(k string) string {
		v, _ := x.Values[k].(string)
		return v
	}
	return store.Message{
		ID:         x.ID,
		RoomID:     roomID,
		Text:       str("text"),
		SenderID:   str("senderId"),
		SenderName: str("senderName"),
		SentAt:     sentAt,
	}, nil
}

// entryTime turns a stream id "<ms>-<seq>" into a timestamp. The sequence number
// is added as nanoseconds so entries within one millisecond still order strictly.
func entryTime(id string) (time.Time, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed stream id %q", id)
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return time.UnixMilli(ms).Add(time.Duration(seq)).UTC(), nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
