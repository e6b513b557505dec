package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher 本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞提交流程（Offer 只负责入队，队列满直接丢弃）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	queue chan RoomEvent

	// sendSem 限制并发的 SendMessage 数量
	sendSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

type KafkaDispatcherOptions struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	MaxConcurrency int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

type DispatcherStats struct {
	Sent    int64
	Dropped int64 // 入队失败
	Failed  int64 // 重试用完
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.MaxConcurrency <= 0 {
		opt.MaxConcurrency = opt.Workers
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      opt.Logger.With("component", "kafka.dispatcher", "topic", topic),
		queue:       make(chan RoomEvent, opt.QueueSize),
		sendSem:     NewSemaphoreControl(opt.MaxConcurrency),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Offer 非阻塞入队，队列满或已关闭返回 false
func (d *KafkaDispatcher) Offer(evt RoomEvent) (ok bool) {
	if d.closed.Load() {
		d.dropped.Add(1)
		return false
	}
	defer func() {
		// Close 与 Offer 并发时 queue 可能已经关闭
		if recover() != nil {
			d.dropped.Add(1)
			ok = false
		}
	}()
	select {
	case d.queue <- evt:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("event queue full, drop", "room", evt.RoomID, "type", evt.EventType)
		return false
	}
}

// Enqueue 队列满时等待，直到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RoomEvent) error {
	if d.closed.Load() {
		d.dropped.Add(1)
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RoomEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		// worker 允许一直等待（不会影响主链路）
		_ = d.sendSem.Acquire(context.Background())
		err := d.sendOnce(evt)
		_ = d.sendSem.Release()

		if err == nil {
			d.sent.Add(1)
			return
		}
		if attempt == d.maxRetry {
			d.failed.Add(1)
			d.logger.Error("kafka send failed, drop event",
				"room", evt.RoomID, "event", evt.EventID, "type", evt.EventType,
				"version", evt.Version, "worker", workerID, "err", err)
			return
		}

		// 退避，每次退避时间 x2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt RoomEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 同一房间的事件进同一分区，保持顺序
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Close 停止接收，等待队列里的事件发送完
func (d *KafkaDispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.queue)
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Stats() DispatcherStats {
	return DispatcherStats{Sent: d.sent.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}
