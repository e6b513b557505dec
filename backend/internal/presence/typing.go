package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TypingTimer 输入状态的防抖：每次编辑 Touch 一次，
// 安静 quiet 时间后回调 onIdle（把 isTyping 置回 false）
type TypingTimer struct {
	clock  clockwork.Clock
	quiet  time.Duration
	onIdle func()

	mu      sync.Mutex
	gen     uint64
	timer   clockwork.Timer
	stopped bool
}

func NewTypingTimer(clock clockwork.Clock, quiet time.Duration, onIdle func()) *TypingTimer {
	return &TypingTimer{clock: clock, quiet: quiet, onIdle: onIdle}
}

// Touch 重置计时器
func (t *TypingTimer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.quiet, func() {
		t.mu.Lock()
		// 旧计时器可能已经在 Stop 之前触发，用 gen 过滤
		if t.stopped || gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		t.onIdle()
	})
}

func (t *TypingTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
