package collab

import (
	"context"
	"errors"
	"fmt"
)

var ErrSemaphoreNotHeld = errors.New("semaphore release without acquire")

// SemaphoreControl 基于带缓冲 channel 的计数信号量，Acquire 可以被 ctx 打断。
// 容量 1 时就是一把可取消的互斥锁（房间写锁）
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = 1
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("semaphore acquire: %w", ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}
