package collab

import (
	"sync"
	"sync/atomic"
)

// ReplicaState 调和循环的状态
type ReplicaState int32

const (
	ReplicaIdle ReplicaState = iota
	// ReplicaApplyingRemote 正在把远端快照写入本地，期间本地变更通知一律忽略
	ReplicaApplyingRemote
)

func (s ReplicaState) String() string {
	if s == ReplicaApplyingRemote {
		return "applyingRemote"
	}
	return "idle"
}

// ApplyResult 远端快照的处理结果
type ApplyResult int

const (
	// ApplyStale 版本不比本地新，丢弃
	ApplyStale ApplyResult = iota
	// ApplyEcho 内容与本地一致（通常是自己的回声），只推进版本
	ApplyEcho
	// ApplyDeferred 编辑租约未释放且差异不大，等租约释放再应用
	ApplyDeferred
	// ApplyApplied 已经覆盖本地
	ApplyApplied
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyEcho:
		return "echo"
	case ApplyDeferred:
		return "deferred"
	case ApplyApplied:
		return "applied"
	default:
		return "stale"
	}
}

// ReplicaStats 调和计数
type ReplicaStats struct {
	Suppressed int64 // applyingRemote 期间被忽略的本地变更
	Deferred   int64
	Echoes     int64
	Applied    int64
	Stale      int64
	Emitted    int64
}

// Replica 一份本地副本与房间规范状态之间的调和循环。
// 本地变更通过 emit 发出；远端快照通过 ApplyRemote 进入，必要时回调 onApply 覆盖本地。
// onApply 里同步触发的本地变更通知会被识别为回声并吞掉，不会再发出去形成环
type Replica struct {
	mu      sync.Mutex
	state   ReplicaState
	local   Storage
	version uint64
	leases  int
	pending *Snapshot

	// applyMu 保证 onApply 串行执行
	applyMu sync.Mutex

	emit    func(base uint64, next Storage)
	onApply func(Snapshot)

	suppressed atomic.Int64
	deferred   atomic.Int64
	echoes     atomic.Int64
	applied    atomic.Int64
	stale      atomic.Int64
	emitted    atomic.Int64
}

// NewReplica initial 为加入房间时拿到的快照
func NewReplica(initial Snapshot, emit func(base uint64, next Storage), onApply func(Snapshot)) *Replica {
	if emit == nil {
		emit = func(uint64, Storage) {}
	}
	if onApply == nil {
		onApply = func(Snapshot) {}
	}
	return &Replica{
		local:   initial.Storage.Clone(),
		version: initial.Version,
		emit:    emit,
		onApply: onApply,
	}
}

// LocalChange 本地编辑器的变更通知。返回 true 表示已经发出
func (r *Replica) LocalChange(next Storage) bool {
	r.mu.Lock()
	if r.state == ReplicaApplyingRemote {
		r.mu.Unlock()
		r.suppressed.Add(1)
		return false
	}
	if next.Equal(r.local) {
		r.mu.Unlock()
		return false
	}
	r.local = next.Clone()
	base := r.version
	r.mu.Unlock()

	r.emitted.Add(1)
	r.emit(base, next)
	return true
}

// Track 记录对端已经持有 next（对端自己编辑的结果），不发出也不回调
func (r *Replica) Track(next Storage) {
	r.mu.Lock()
	r.local = next.Clone()
	r.mu.Unlock()
}

// BeginEdit 获取编辑租约。release 幂等；最后一个租约释放时应用被推迟的快照
func (r *Replica) BeginEdit() (release func()) {
	r.mu.Lock()
	r.leases++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.leases--
			var p *Snapshot
			if r.leases == 0 && r.pending != nil {
				p, r.pending = r.pending, nil
			}
			r.mu.Unlock()
			if p != nil {
				r.reconcile(*p, false)
			}
		})
	}
}

// ApplyRemote 处理一份房间快照
func (r *Replica) ApplyRemote(snap Snapshot) ApplyResult {
	return r.reconcile(snap, true)
}

func (r *Replica) reconcile(snap Snapshot, honorLease bool) ApplyResult {
	r.mu.Lock()
	if snap.Version <= r.version {
		r.mu.Unlock()
		r.stale.Add(1)
		return ApplyStale
	}
	if snap.Storage.Equal(r.local) {
		r.version = snap.Version
		if r.pending != nil && r.pending.Version <= snap.Version {
			r.pending = nil
		}
		r.mu.Unlock()
		r.echoes.Add(1)
		return ApplyEcho
	}
	if honorLease && r.leases > 0 && !MeaningfullyDifferent(r.local, snap.Storage) {
		if r.pending == nil || snap.Version > r.pending.Version {
			p := snap
			r.pending = &p
		}
		r.mu.Unlock()
		r.deferred.Add(1)
		return ApplyDeferred
	}
	r.mu.Unlock()
	return r.adopt(snap, false)
}

// Reset 无条件用 snap 覆盖本地（例如本地提交被拒后重新同步）
func (r *Replica) Reset(snap Snapshot) {
	r.adopt(snap, true)
}

func (r *Replica) adopt(snap Snapshot, force bool) ApplyResult {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	if !force && snap.Version <= r.version {
		r.mu.Unlock()
		r.stale.Add(1)
		return ApplyStale
	}
	r.version = snap.Version
	r.local = snap.Storage.Clone()
	if r.pending != nil && r.pending.Version <= snap.Version {
		r.pending = nil
	}
	r.state = ReplicaApplyingRemote
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state = ReplicaIdle
		r.mu.Unlock()
	}()
	r.onApply(snap)
	r.applied.Add(1)
	return ApplyApplied
}

func (r *Replica) State() ReplicaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replica) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Local 当前本地值的副本
func (r *Replica) Local() Storage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local.Clone()
}

func (r *Replica) Stats() ReplicaStats {
	return ReplicaStats{
		Suppressed: r.suppressed.Load(),
		Deferred:   r.deferred.Load(),
		Echoes:     r.echoes.Load(),
		Applied:    r.applied.Load(),
		Stale:      r.stale.Load(),
		Emitted:    r.emitted.Load(),
	}
}
