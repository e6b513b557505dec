package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/karn-cyber/notion/backend/internal/collab"
)

var ErrBusClosed = errors.New("cache: bus closed")

type RedisBusOptions struct {
	// QueueSize 待发布队列长度，满了丢弃（提交路径不能被 Redis 拖住）
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// RedisBus 基于 Redis Pub/Sub 的跨实例房间广播。
// 发布由单个 goroutine 按入队顺序完成，同一房间的提交顺序不会乱
type RedisBus struct {
	rdb    redis.UniversalClient
	opts   RedisBusOptions
	logger *slog.Logger

	queue chan collab.BusEnvelope
	mu    sync.RWMutex
	close bool
	wg    sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

var _ collab.Bus = (*RedisBus)(nil)

func NewRedisBus(rdb redis.UniversalClient, opts RedisBusOptions) *RedisBus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &RedisBus{
		rdb:    rdb,
		opts:   opts,
		logger: opts.Logger.With("component", "cache.bus"),
		queue:  make(chan collab.BusEnvelope, opts.QueueSize),
	}
	b.wg.Add(1)
	go b.publishLoop()
	return b
}

func (b *RedisBus) Publish(env collab.BusEnvelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.close {
		return ErrBusClosed
	}
	select {
	case b.queue <- env:
		return nil
	default:
		b.dropped.Add(1)
		return errors.New("cache: bus queue full")
	}
}

func (b *RedisBus) publishLoop() {
	defer b.wg.Done()
	for env := range b.queue {
		data, err := json.Marshal(env)
		if err != nil {
			b.logger.Error("marshal envelope", "room", env.Snapshot.RoomID, "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.PublishTimeout)
		err = b.rdb.Publish(ctx, roomChannel(env.Snapshot.RoomID), data).Err()
		cancel()
		if err != nil {
			b.dropped.Add(1)
			b.logger.Warn("publish failed", "room", env.Snapshot.RoomID, "version", env.Snapshot.Version, "err", err)
			continue
		}
		b.published.Add(1)
	}
}

// Subscribe 等订阅确认后才返回，避免漏掉紧接着的消息
func (b *RedisBus) Subscribe(roomID string, fn func(collab.BusEnvelope)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.PublishTimeout)
	defer cancel()
	ps := b.rdb.Subscribe(ctx, roomChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var env collab.BusEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bad envelope", "room", roomID, "err", err)
				continue
			}
			fn(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}, nil
}

// Close 停止接收新消息，发完队列里剩下的
func (b *RedisBus) Close() {
	b.mu.Lock()
	if b.close {
		b.mu.Unlock()
		return
	}
	b.close = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *RedisBus) Published() int64 { return b.published.Load() }
func (b *RedisBus) Dropped() int64   { return b.dropped.Load() }
