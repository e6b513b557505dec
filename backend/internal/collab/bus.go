package collab

import (
	"sync"
	"sync/atomic"
)

// BusEnvelope 跨实例广播的一次提交
type BusEnvelope struct {
	Instance string   `json:"instance"`
	Snapshot Snapshot `json:"snapshot"`
}

// Bus 每个房间一条有序的发布订阅通道。Publish 不能阻塞提交路径
type Bus interface {
	Publish(env BusEnvelope) error
	Subscribe(roomID string, fn func(BusEnvelope)) (unsubscribe func(), err error)
}

type noopBus struct{}

func (noopBus) Publish(BusEnvelope) error { return nil }
func (noopBus) Subscribe(string, func(BusEnvelope)) (func(), error) {
	return func() {}, nil
}

type memorySub struct {
	ch   chan BusEnvelope
	done chan struct{}
}

// MemoryBus 进程内实现，多个 Registry 共用一个 MemoryBus 即可模拟多实例。
// 每个订阅者一个 goroutine 按发布顺序回调
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*memorySub
	nextID int
	buffer int

	dropped atomic.Int64
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{subs: make(map[string]map[int]*memorySub), buffer: buffer}
}

func (b *MemoryBus) Publish(env BusEnvelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[env.Snapshot.RoomID] {
		e := env
		e.Snapshot.Storage = env.Snapshot.Storage.Clone()
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(roomID string, fn func(BusEnvelope)) (func(), error) {
	sub := &memorySub{ch: make(chan BusEnvelope, b.buffer), done: make(chan struct{})}
	go func() {
		for {
			select {
			case env := <-sub.ch:
				fn(env)
			case <-sub.done:
				return
			}
		}
	}()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[int]*memorySub)
	}
	b.subs[roomID][id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[roomID], id)
			if len(b.subs[roomID]) == 0 {
				delete(b.subs, roomID)
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

// Dropped 订阅者跟不上时丢弃的消息数
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }
