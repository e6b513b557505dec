package presence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Throttle 限制单个会话的 presence 广播频率。
// 间隔内的更新不立即发送，只在间隔结束时补发一次（trailing edge），
// 中间值被合并掉，flush 时由调用方读取最新值
type Throttle struct {
	clock    clockwork.Clock
	interval time.Duration
	flush    func()

	mu      sync.Mutex
	last    time.Time
	timer   clockwork.Timer
	stopped bool

	coalesced atomic.Int64
}

func NewThrottle(clock clockwork.Clock, interval time.Duration, flush func()) *Throttle {
	return &Throttle{clock: clock, interval: interval, flush: flush}
}

// Allow 返回 true 表示可以立即广播；
// 返回 false 时已经安排了一次延迟 flush（如果还没有的话）
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	now := t.clock.Now()
	if t.timer == nil && (t.last.IsZero() || now.Sub(t.last) >= t.interval) {
		t.last = now
		return true
	}
	t.coalesced.Add(1)
	if t.timer == nil {
		wait := t.interval - now.Sub(t.last)
		if wait <= 0 {
			wait = time.Millisecond
		}
		t.timer = t.clock.AfterFunc(wait, t.fire)
	}
	return false
}

func (t *Throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.last = t.clock.Now()
	t.mu.Unlock()
	t.flush()
}

// Coalesced 被合并（没有单独发出）的更新次数
func (t *Throttle) Coalesced() int64 { return t.coalesced.Load() }

func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
