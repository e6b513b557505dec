package collab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

var errSuperseded = errors.New("persist: superseded by a newer payload")

// DocumentWriter 文档存储的写入端
type DocumentWriter interface {
	SaveDocument(ctx context.Context, rec PersistRecord) error
}

type DebouncerOptions struct {
	// Debounce 最后一次提交后静默多久才写
	Debounce       time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
	// Instance 写入记录的实例标记，和房间广播用的 InstanceID 一致
	Instance string
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type PersistStats struct {
	Writes     int64
	Failures   int64
	Superseded int64
	Skipped    int64 // 版本不比已写入的新
}

type pendingWrite struct {
	gen   uint64
	timer clockwork.Timer
	rec   *PersistRecord

	// latest 调度过的最大版本
	latest uint64

	// writeMu 同一房间的写入串行，lastWritten 防止版本回退。
	// 加锁顺序 writeMu → d.mu
	writeMu     sync.Mutex
	lastWritten uint64
}

// Debouncer 把一段时间内的连续提交合并成一次写库。
// 写失败只重试，不影响内存里的房间状态
type Debouncer struct {
	writer DocumentWriter
	opts   DebouncerOptions
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*pendingWrite
	closed bool

	writes     atomic.Int64
	failures   atomic.Int64
	superseded atomic.Int64
	skipped    atomic.Int64
}

func NewDebouncer(writer DocumentWriter, opts DebouncerOptions) *Debouncer {
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 10 * opts.InitialBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Debouncer{
		writer: writer,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "collab.persist"),
		rooms:  make(map[string]*pendingWrite),
	}
}

// SchedulePersist 重置该房间的计时器，新的内容替换还没写出去的旧内容
func (d *Debouncer) SchedulePersist(roomID string, s Storage, version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("schedule after close ignored", "room", roomID, "version", version)
		return
	}
	pw, ok := d.rooms[roomID]
	if !ok {
		pw = &pendingWrite{}
		d.rooms[roomID] = pw
	}
	if version <= pw.latest {
		return
	}
	pw.latest = version
	pw.gen++
	gen := pw.gen
	pw.rec = &PersistRecord{
		RoomID:    roomID,
		Content:   s.Content,
		Blocks:    s.Clone().Blocks,
		Version:   version,
		Instance:  d.opts.Instance,
		Timestamp: d.clock.Now().UTC(),
	}
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = d.clock.AfterFunc(d.opts.Debounce, func() { d.fire(pw, gen) })
}

func (d *Debouncer) fire(pw *pendingWrite, gen uint64) {
	pw.writeMu.Lock()
	defer pw.writeMu.Unlock()
	d.mu.Lock()
	if pw.gen != gen || pw.rec == nil {
		d.mu.Unlock()
		return
	}
	rec := *pw.rec
	pw.rec = nil
	pw.timer = nil
	d.mu.Unlock()

	_ = d.writeLocked(context.Background(), pw, rec)
}

// writeLocked 调用方持有 pw.writeMu
func (d *Debouncer) writeLocked(ctx context.Context, pw *pendingWrite, rec PersistRecord) error {
	if rec.Version <= pw.lastWritten {
		d.skipped.Add(1)
		return nil
	}

	attempt := 0
	op := func() error {
		if attempt > 0 && d.hasNewer(pw, rec.Version) {
			return backoff.Permanent(errSuperseded)
		}
		attempt++
		wctx, cancel := context.WithTimeout(ctx, d.opts.WriteTimeout)
		defer cancel()
		return d.writer.SaveDocument(wctx, rec)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Clock = d.clock
	policy := backoff.WithContext(backoff.WithMaxRetries(b, d.opts.MaxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		d.logger.Warn("persist failed, retrying", "room", rec.RoomID, "version", rec.Version, "attempt", attempt, "wait", wait, "err", err)
	}
	err := backoff.RetryNotifyWithTimer(op, policy, notify, &clockTimer{clock: d.clock})
	switch {
	case err == nil:
		pw.lastWritten = rec.Version
		d.writes.Add(1)
		d.logger.Debug("persisted", "room", rec.RoomID, "version", rec.Version)
		return nil
	case errors.Is(err, errSuperseded):
		d.superseded.Add(1)
		return nil
	default:
		d.failures.Add(1)
		d.logger.Error("persist gave up", "room", rec.RoomID, "version", rec.Version, "attempts", attempt, "err", err)
		return err
	}
}

func (d *Debouncer) hasNewer(pw *pendingWrite, version uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return pw.latest > version
}

// Flush 立即写出该房间待写的内容（房间回收时调用）。
// 返回时该房间没有正在进行的写入
func (d *Debouncer) Flush(ctx context.Context, roomID string) error {
	d.mu.Lock()
	pw, ok := d.rooms[roomID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	pw.writeMu.Lock()
	defer pw.writeMu.Unlock()
	d.mu.Lock()
	rec := pw.rec
	if rec != nil {
		pw.rec = nil
		pw.gen++
		if pw.timer != nil {
			pw.timer.Stop()
			pw.timer = nil
		}
	}
	d.mu.Unlock()

	if rec == nil {
		return nil
	}
	return d.writeLocked(ctx, pw, *rec)
}

// Forget 房间回收后丢掉它的调度状态；还有待写内容时保留
func (d *Debouncer) Forget(roomID string) {
	d.mu.Lock()
	pw, ok := d.rooms[roomID]
	d.mu.Unlock()
	if !ok {
		return
	}
	pw.writeMu.Lock()
	defer pw.writeMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if pw.rec != nil || d.rooms[roomID] != pw {
		return
	}
	delete(d.rooms, roomID)
}

// Tracked 仍保留调度状态的房间数
func (d *Debouncer) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// Close 不再接受新的调度，写出所有待写内容
func (d *Debouncer) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	ids := make([]string, 0, len(d.rooms))
	for id := range d.rooms {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := d.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
		d.Forget(id)
	}
	return errors.Join(errs...)
}

// Pending 是否还有没写出去的内容
func (d *Debouncer) Pending(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	pw, ok := d.rooms[roomID]
	return ok && pw.rec != nil
}

func (d *Debouncer) Stats() PersistStats {
	return PersistStats{
		Writes:     d.writes.Load(),
		Failures:   d.failures.Load(),
		Superseded: d.superseded.Load(),
		Skipped:    d.skipped.Load(),
	}
}

// clockTimer 让 backoff 的等待也走注入的时钟
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
