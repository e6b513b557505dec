package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karn-cyber/notion/backend/internal/access"
	"github.com/karn-cyber/notion/backend/internal/ot/delta"
	"github.com/karn-cyber/notion/backend/internal/presence"
)

type loaderFunc func(ctx context.Context, roomID string) (PersistRecord, bool, error)

func (f loaderFunc) LoadDocument(ctx context.Context, roomID string) (PersistRecord, bool, error) {
	return f(ctx, roomID)
}

type recordingPersister struct {
	mu        sync.Mutex
	scheduled []uint64
	flushed   []string
}

func (p *recordingPersister) SchedulePersist(roomID string, s Storage, version uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduled = append(p.scheduled, version)
}

func (p *recordingPersister) Flush(ctx context.Context, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed = append(p.flushed, roomID)
	return nil
}

func (p *recordingPersister) Forget(string) {}

func (p *recordingPersister) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scheduled), len(p.flushed)
}

// durableRows 模拟 document_contents：按 (version, instance) 只保留最大的一行
type durableRows struct {
	mu   sync.Mutex
	rows map[string]PersistRecord
}

func newDurableRows() *durableRows {
	return &durableRows{rows: make(map[string]PersistRecord)}
}

func (d *durableRows) LoadDocument(ctx context.Context, roomID string) (PersistRecord, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.rows[roomID]
	return rec, ok, nil
}

func (d *durableRows) save(rec PersistRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.rows[rec.RoomID]
	if !ok || after(rec.Version, rec.Instance, cur.Version, cur.Instance) {
		d.rows[rec.RoomID] = rec
	}
}

// durableStore 一个实例的持久化端：提交先挂起，Flush 才落到 rows。hold 之后 Flush 会卡住
type durableStore struct {
	instance string
	rows     *durableRows
	entered  chan struct{}

	mu      sync.Mutex
	pending map[string]PersistRecord
	gate    chan struct{}
}

func newDurableStore(instance string, rows *durableRows) *durableStore {
	return &durableStore{
		instance: instance,
		rows:     rows,
		entered:  make(chan struct{}, 1),
		pending:  make(map[string]PersistRecord),
	}
}

func (d *durableStore) SchedulePersist(roomID string, s Storage, version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[roomID] = PersistRecord{RoomID: roomID, Content: s.Content, Blocks: s.Blocks, Version: version, Instance: d.instance}
}

func (d *durableStore) Flush(ctx context.Context, roomID string) error {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
		<-gate
	}
	d.mu.Lock()
	rec, ok := d.pending[roomID]
	delete(d.pending, roomID)
	d.mu.Unlock()
	if ok {
		d.rows.save(rec)
	}
	return nil
}

func (d *durableStore) Forget(string) {}

func (d *durableStore) hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

func (d *durableStore) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.gate)
	d.gate = nil
}

func newTestRegistry(t *testing.T, mod func(*Options)) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts := Options{
		InstanceID:       "test",
		Clock:            clock,
		PresenceThrottle: 100 * time.Millisecond,
		TeardownGrace:    5 * time.Second,
	}
	if mod != nil {
		mod(&opts)
	}
	reg := NewRegistry(opts)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg, clock
}

func join(t *testing.T, reg *Registry, roomID, name string, role access.Role) (*Session, *RoomHandle) {
	t.Helper()
	s := NewSession(SessionInfo{UserKey: "acct:" + name, Name: name, Role: role}, reg.NewMailbox(), nil)
	h, err := reg.JoinRoom(context.Background(), roomID, s)
	require.NoError(t, err)
	return s, h
}

func TestJoinRoom_LoadsPersistedStorage(t *testing.T) {
	var loads int
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.Loader = loaderFunc(func(ctx context.Context, roomID string) (PersistRecord, bool, error) {
			loads++
			return PersistRecord{RoomID: roomID, Content: "persisted", Version: 7}, true, nil
		})
	})

	s1, h1 := join(t, reg, "doc-1", "ann", access.RoleOwner)
	assert.Equal(t, uint64(7), h1.Snapshot.Version)
	assert.Equal(t, "persisted", h1.Snapshot.Storage.Content)
	assert.Empty(t, h1.Others)

	_, h2 := join(t, reg, "doc-1", "bob", access.RoleEditor)
	require.Len(t, h2.Others, 1)
	assert.Equal(t, s1.ID(), h2.Others[0].SessionID)
	assert.Equal(t, "ann", h2.Others[0].Name)
	assert.Equal(t, presence.ColorFor("ann"), h2.Others[0].Color)
	assert.Same(t, h1.Room, h2.Room)
	assert.Equal(t, 1, loads)
	assert.Equal(t, []string{"doc-1"}, reg.Rooms())
}

func TestJoinRoom_LoadErrorAbortsJoin(t *testing.T) {
	fail := true
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.Loader = loaderFunc(func(ctx context.Context, roomID string) (PersistRecord, bool, error) {
			if fail {
				return PersistRecord{}, false, errors.New("db unavailable")
			}
			return PersistRecord{}, false, nil
		})
	})

	s := NewSession(SessionInfo{Name: "ann", Role: access.RoleEditor}, nil, nil)
	_, err := reg.JoinRoom(context.Background(), "doc", s)
	require.Error(t, err)
	assert.Empty(t, reg.Rooms())

	fail = false
	join(t, reg, "doc", "ann", access.RoleEditor)
	assert.Equal(t, []string{"doc"}, reg.Rooms())
}

func TestMutate_ConvergesAcrossSessions(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, _ := join(t, reg, "doc", fmt.Sprintf("u%d", i), access.RoleEditor)
		sessions = append(sessions, s)
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				_, err := s.Replace(context.Background(), 0, st(fmt.Sprintf("s%d-%d", i, n)))
				assert.NoError(t, err)
			}
		}(i, s)
	}
	wg.Wait()

	final := reg.Room("doc").Snapshot()
	assert.Equal(t, uint64(60), final.Version)
	for _, s := range sessions {
		out := s.Mailbox().Drain()
		require.NotNil(t, out.Storage)
		assert.Equal(t, final.Version, out.Storage.Version)
		assert.True(t, final.Storage.Equal(out.Storage.Storage))
	}
	assert.Equal(t, int64(60), reg.Room("doc").Stats().Commits)
}

func TestMutate_OriginatorGetsEchoPeerGetsApply(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	s1, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	var delivered []Snapshot
	s2 := NewSession(SessionInfo{Name: "bob", Role: access.RoleEditor}, reg.NewMailbox(), func(s Snapshot) { delivered = append(delivered, s) })
	_, err := reg.JoinRoom(context.Background(), "doc", s2)
	require.NoError(t, err)

	snap, err := s1.Replace(context.Background(), 0, st("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, s1.ID(), snap.Origin)

	out1 := s1.Mailbox().Drain()
	require.NotNil(t, out1.Storage)
	assert.Equal(t, ApplyEcho, s1.Reconcile(*out1.Storage))

	out2 := s2.Mailbox().Drain()
	require.NotNil(t, out2.Storage)
	assert.Equal(t, ApplyApplied, s2.Reconcile(*out2.Storage))
	require.Len(t, delivered, 1)
	assert.Equal(t, "hello", delivered[0].Storage.Content)
}

func TestMutate_Rejections(t *testing.T) {
	reg, _ := newTestRegistry(t, func(o *Options) { o.MaxContentBytes = 16 })
	editor, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	viewer, _ := join(t, reg, "doc", "vic", access.RoleViewer)
	_, err := editor.Replace(context.Background(), 0, st("base"))
	require.NoError(t, err)
	editor.Mailbox().Drain()

	_, err = viewer.Replace(context.Background(), 1, st("nope"))
	assert.ErrorIs(t, err, ErrReadOnly)
	out := viewer.Mailbox().Drain()
	require.Len(t, out.Notices, 1)
	assert.Equal(t, "read_only", out.Notices[0].Code)

	_, err = editor.Replace(context.Background(), 1, Storage{Content: "x", Blocks: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = editor.Replace(context.Background(), 1, st("this is far too long"))
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = editor.ApplyDelta(context.Background(), 1, delta.Delta{{Kind: delta.KindDelete, Count: 99}})
	assert.ErrorIs(t, err, ErrMalformed)

	snap := reg.Room("doc").Snapshot()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, "base", snap.Storage.Content)
	assert.Equal(t, int64(4), reg.Room("doc").Stats().Rejected)

	notices := editor.Mailbox().Drain().Notices
	require.Len(t, notices, 3)
	assert.Equal(t, "malformed", notices[0].Code)
	assert.Equal(t, "too_large", notices[1].Code)
	// 被拒后副本回到规范状态
	assert.Equal(t, "base", editor.Replica().Local().Content)
}

func TestMutate_CancelledContextIsAbandoned(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	s, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	room := reg.Room("doc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := room.Mutate(ctx, s.ID(), 0, Replace(st("never")))
	assert.ErrorIs(t, err, context.Canceled)

	ctx2, cancel2 := context.WithCancel(context.Background())
	_, err = room.Mutate(ctx2, s.ID(), 0, func(cur Storage) (Storage, error) {
		cancel2()
		return st("also never"), nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, uint64(0), room.Snapshot().Version)
	assert.Nil(t, s.Mailbox().Drain().Storage)
}

func TestMutate_StaleBaseLastWriterWins(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	s1, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	s2, _ := join(t, reg, "doc", "bob", access.RoleEditor)

	_, err := s1.Replace(context.Background(), 0, st("from ann"))
	require.NoError(t, err)
	snap, err := s2.Replace(context.Background(), 0, st("from bob"))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, "from bob", reg.Room("doc").Snapshot().Storage.Content)
	assert.Equal(t, int64(1), reg.Room("doc").Stats().Conflicts)
}

func TestMutate_DeltaAppliedToCanonicalContent(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	s, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	_, err := s.Replace(context.Background(), 0, Storage{Content: "Hello world", Blocks: json.RawMessage(`[1]`)})
	require.NoError(t, err)

	snap, err := s.ApplyDelta(context.Background(), 1, delta.Delta{
		{Kind: delta.KindRetain, Count: 5},
		{Kind: delta.KindInsert, Text: ","},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", snap.Storage.Content)
	assert.JSONEq(t, `[1]`, string(snap.Storage.Blocks))

	out := s.Mailbox().Drain()
	require.NotNil(t, out.Storage)
	assert.Equal(t, ApplyEcho, s.Reconcile(*out.Storage))
}

func TestLeave_NotifiesPeersAndBlocksCommits(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	s1, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	s2, _ := join(t, reg, "doc", "bob", access.RoleEditor)
	s1.Mailbox().Drain()

	s2.Leave()
	assert.True(t, s2.Left())
	select {
	case <-s2.Mailbox().Done():
	default:
		t.Fatal("mailbox of departed session should be closed")
	}

	out := s1.Mailbox().Drain()
	require.Len(t, out.Presence, 1)
	assert.Equal(t, PresenceLeft, out.Presence[0].Kind)
	assert.Equal(t, s2.ID(), out.Presence[0].SessionID)
	assert.Empty(t, reg.Room("doc").ActivePresence(s1.ID()))

	_, err := s2.Replace(context.Background(), 0, st("late"))
	assert.ErrorIs(t, err, ErrSessionGone)
	_, err = reg.Room("doc").Mutate(context.Background(), s2.ID(), 0, Replace(st("late")))
	assert.ErrorIs(t, err, ErrSessionGone)
}

func TestEvictMember_ClosesStaleSessions(t *testing.T) {
	reg, clock := newTestRegistry(t, nil)
	annTab1, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	annTab2, _ := join(t, reg, "doc", "ann", access.RoleViewer)
	bob, _ := join(t, reg, "doc", "bob", access.RoleEditor)
	cat := NewSession(SessionInfo{UserKey: "email:cat@x.io", Name: "cat", Role: access.RoleEditor,
		Keys: []string{"email:cat@x.io", "acct:7"}}, reg.NewMailbox(), nil)
	_, err := reg.JoinRoom(context.Background(), "doc", cat)
	require.NoError(t, err)
	annTab1.Mailbox().Drain()
	annTab2.Mailbox().Drain()

	// 降级为 viewer：只断开仍是 editor 的那个标签页
	assert.Equal(t, 1, reg.EvictMember("doc", "acct:ann", access.RoleViewer))
	assert.True(t, annTab1.Left())
	assert.False(t, annTab2.Left())
	notices := annTab1.Mailbox().Drain().Notices
	require.Len(t, notices, 1)
	assert.Equal(t, "role_changed", notices[0].Code)

	assert.Equal(t, 1, reg.EvictMember("doc", "acct:ann", access.RoleNone))
	notices = annTab2.Mailbox().Drain().Notices
	require.Len(t, notices, 1)
	assert.Equal(t, "revoked", notices[0].Code)
	_, err = annTab2.Replace(context.Background(), 0, st("after revoke"))
	assert.ErrorIs(t, err, ErrSessionGone)

	// 按账号 key 撤销也能匹配邮箱登录的会话
	assert.Equal(t, 1, reg.EvictMember("doc", "acct:7", access.RoleNone))
	assert.True(t, cat.Left())

	assert.Equal(t, 0, reg.EvictMember("doc", "acct:nobody", access.RoleNone))
	assert.Equal(t, 0, reg.EvictMember("missing", "acct:bob", access.RoleNone))
	assert.False(t, bob.Left())

	assert.Equal(t, 1, reg.EvictMember("doc", "acct:bob", access.RoleNone))
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(reg.Rooms()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTeardown_GraceAndRejoin(t *testing.T) {
	persister := &recordingPersister{}
	reg, clock := newTestRegistry(t, func(o *Options) { o.Persister = persister })

	s1, h1 := join(t, reg, "doc", "ann", access.RoleEditor)
	s1.Leave()
	clock.Advance(4 * time.Second)

	_, h2 := join(t, reg, "doc", "ann", access.RoleEditor)
	assert.Same(t, h1.Room, h2.Room, "rejoin inside the grace window reuses the room")

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"doc"}, reg.Rooms())

	h2.Session.Leave()
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(reg.Rooms()) == 0 }, time.Second, 5*time.Millisecond)
	_, flushed := persister.counts()
	assert.Equal(t, 1, flushed)

	_, h3 := join(t, reg, "doc", "ann", access.RoleEditor)
	assert.NotSame(t, h1.Room, h3.Room)
}

func TestJoinRoom_DiscardDuringConcurrentLoad(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.Loader = loaderFunc(func(ctx context.Context, roomID string) (PersistRecord, bool, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
			return PersistRecord{RoomID: roomID, Content: "loaded", Version: 2}, true, nil
		})
	})

	joined := make(chan error, 1)
	go func() {
		s := NewSession(SessionInfo{Name: "bob", Role: access.RoleEditor}, nil, nil)
		_, err := reg.JoinRoom(context.Background(), "doc", s)
		joined <- err
	}()
	<-entered
	r := reg.Room("doc")
	require.NotNil(t, r)

	// 另一个加入者加载失败后清理房间，这时第一个加入者还卡在加载里
	discarded := make(chan struct{})
	go func() {
		reg.discard(r)
		close(discarded)
	}()
	select {
	case <-discarded:
	case <-time.After(2 * time.Second):
		t.Fatal("discard blocked behind the in-flight load")
	}

	close(release)
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("join never finished")
	}
	cur := reg.Room("doc")
	require.NotNil(t, cur)
	assert.NotSame(t, r, cur)
	assert.Equal(t, "loaded", cur.Snapshot().Storage.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTeardown_RejoinWaitsForFlush(t *testing.T) {
	ctx := context.Background()
	rows := newDurableRows()
	store := newDurableStore("test", rows)
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.Loader = rows
		o.Persister = store
		o.TeardownGrace = 0
	})

	s1, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	_, err := s1.Replace(ctx, 0, st("a"))
	require.NoError(t, err)
	require.NoError(t, store.Flush(ctx, "doc"))
	_, err = s1.Replace(ctx, 1, st("ab"))
	require.NoError(t, err)

	store.hold()
	left := make(chan struct{})
	go func() {
		s1.Leave()
		close(left)
	}()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never flushed")
	}

	joined := make(chan *RoomHandle, 1)
	go func() {
		s := NewSession(SessionInfo{UserKey: "acct:ann", Name: "ann", Role: access.RoleEditor}, reg.NewMailbox(), nil)
		if h, err := reg.JoinRoom(ctx, "doc", s); err == nil {
			joined <- h
		}
	}()
	assert.Never(t, func() bool { return len(joined) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	store.release()
	var h *RoomHandle
	select {
	case h = <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("rejoin never finished")
	}
	<-left
	assert.Equal(t, "ab", h.Snapshot.Storage.Content)
	assert.Equal(t, uint64(2), h.Snapshot.Version)

	_, err = h.Session.Replace(ctx, 2, st("aX"))
	require.NoError(t, err)
	require.NoError(t, reg.Close(ctx))
	rec, found, err := rows.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "aX", rec.Content)
	assert.Equal(t, uint64(3), rec.Version)
}

func TestTeardown_ForgetsPersistState(t *testing.T) {
	d, w, _ := newTestDebouncer(t, 0, 0)
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.Persister = d
		o.TeardownGrace = 0
	})

	s, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	_, err := s.Replace(context.Background(), 0, st("v1"))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Tracked())

	s.Leave()
	assert.Empty(t, reg.Rooms())
	assert.Zero(t, d.Tracked())
	writes, _ := w.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "v1", writes[0].rec.Content)
}

func TestPresence_MergeThrottleAndStaleness(t *testing.T) {
	reg, clock := newTestRegistry(t, func(o *Options) { o.PresenceStaleAfter = 10 * time.Second })
	s1, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	s2, _ := join(t, reg, "doc", "bob", access.RoleEditor)
	s1.Mailbox().Drain()
	s2.Mailbox().Drain()

	name, color := "A", "red"
	require.NoError(t, s1.UpdatePresence(presence.Patch{Name: &name, Color: &color}))
	require.NoError(t, s1.UpdatePresence(presence.Patch{HasCursor: true, Cursor: &presence.Cursor{X: 1, Y: 2}}))
	require.NoError(t, s1.UpdatePresence(presence.Patch{HasCursor: true, Cursor: &presence.Cursor{X: 3, Y: 4}}))

	// 第一条立即发出，后两条合并到间隔末尾
	out := s2.Mailbox().Drain()
	require.Len(t, out.Presence, 1)
	assert.Equal(t, "A", out.Presence[0].Name)
	assert.Nil(t, out.Presence[0].Cursor)

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		out = s2.Mailbox().Drain()
		return len(out.Presence) == 1
	}, time.Second, 5*time.Millisecond)
	p := out.Presence[0]
	assert.Equal(t, "A", p.Name)
	assert.Equal(t, "red", p.Color)
	require.NotNil(t, p.Cursor)
	assert.Equal(t, presence.Cursor{X: 3, Y: 4}, *p.Cursor)

	active := reg.Room("doc").ActivePresence(s2.ID())
	require.Len(t, active, 1)
	assert.Equal(t, s1.ID(), active[0].SessionID)

	// s2 保持心跳，s1 沉默超过 10 秒后不再算在线
	clock.Advance(6 * time.Second)
	require.NoError(t, s2.Heartbeat())
	clock.Advance(5 * time.Second)
	assert.Empty(t, reg.Room("doc").ActivePresence(s2.ID()))
	assert.Len(t, reg.Room("doc").ActivePresence(s1.ID()), 1)
}

func TestTyping_SetOnEditClearedAfterQuiet(t *testing.T) {
	reg, clock := newTestRegistry(t, func(o *Options) { o.TypingQuiet = 1500 * time.Millisecond })
	s, _ := join(t, reg, "doc", "ann", access.RoleEditor)

	_, err := s.Replace(context.Background(), 0, st("typing"))
	require.NoError(t, err)
	assert.True(t, s.Presence().IsTyping)

	clock.Advance(1499 * time.Millisecond)
	assert.True(t, s.Presence().IsTyping)
	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return !s.Presence().IsTyping }, time.Second, 5*time.Millisecond)
}

func TestObserveAndSubscribe(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	_, _, err := reg.Observe("missing")
	assert.ErrorIs(t, err, ErrNoRoom)

	s1, _ := join(t, reg, "doc", "ann", access.RoleEditor)
	snaps, stopObserve, err := reg.Observe("doc")
	require.NoError(t, err)
	defer stopObserve()
	events, stopSub, err := reg.Subscribe("doc")
	require.NoError(t, err)
	defer stopSub()

	first := <-snaps
	assert.Equal(t, uint64(0), first.Version)

	_, err = s1.Replace(context.Background(), 0, st("v1"))
	require.NoError(t, err)
	next := <-snaps
	assert.Equal(t, uint64(1), next.Version)
	assert.Equal(t, "v1", next.Storage.Content)

	s2, _ := join(t, reg, "doc", "bob", access.RoleEditor)
	var joined PresenceEvent
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.SessionID == s2.ID() {
					joined = ev
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, PresenceUpdated, joined.Kind)
}

func TestCrossInstanceAdoption(t *testing.T) {
	bus := NewMemoryBus(0)
	pa, pb := &recordingPersister{}, &recordingPersister{}
	regA, _ := newTestRegistry(t, func(o *Options) { o.InstanceID = "a"; o.Bus = bus; o.Persister = pa })
	regB, _ := newTestRegistry(t, func(o *Options) { o.InstanceID = "b"; o.Bus = bus; o.Persister = pb })

	sa, _ := join(t, regA, "doc", "ann", access.RoleEditor)
	sb, _ := join(t, regB, "doc", "bob", access.RoleEditor)

	_, err := sa.Replace(context.Background(), 0, st("from a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return regB.Room("doc").Snapshot().Storage.Content == "from a"
	}, time.Second, 5*time.Millisecond)

	out := sb.Mailbox().Drain()
	require.NotNil(t, out.Storage)
	assert.Equal(t, "from a", out.Storage.Storage.Content)
	assert.Equal(t, sa.ID(), out.Storage.Origin)

	assert.Equal(t, int64(1), regB.Room("doc").Stats().Adopted)
	assert.Equal(t, uint64(1), regB.Room("doc").Snapshot().Version)
	assert.Equal(t, "a", regB.Room("doc").Snapshot().Instance)
	scheduledB, _ := pb.counts()
	assert.Zero(t, scheduledB, "adopted commits are persisted by their origin instance")
	assert.Never(t, func() bool { return regA.Room("doc").Stats().Adopted > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCrossInstance_SharedVersionSpace(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(0)
	rows := newDurableRows()
	pa, pb := newDurableStore("a", rows), newDurableStore("b", rows)
	regA, _ := newTestRegistry(t, func(o *Options) { o.InstanceID = "a"; o.Bus = bus; o.Loader = rows; o.Persister = pa })
	regB, _ := newTestRegistry(t, func(o *Options) { o.InstanceID = "b"; o.Bus = bus; o.Loader = rows; o.Persister = pb })

	sa, _ := join(t, regA, "doc", "ann", access.RoleEditor)
	_, err := sa.Replace(ctx, 0, st("a1"))
	require.NoError(t, err)
	require.NoError(t, pa.Flush(ctx, "doc"))
	// a2 只在 A 的内存里，库里还是 a1
	_, err = sa.Replace(ctx, 1, st("a2"))
	require.NoError(t, err)

	sb, _ := join(t, regB, "doc", "bob", access.RoleEditor)
	require.Eventually(t, func() bool {
		snap := regB.Room("doc").Snapshot()
		return snap.Version == 2 && snap.Storage.Content == "a2"
	}, time.Second, 5*time.Millisecond, "B catches up with A's live state")
	assert.Equal(t, int64(1), regA.Room("doc").Stats().Resent)

	_, err = sa.Replace(ctx, 2, st("a3"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return regB.Room("doc").Snapshot().Version == 3 }, time.Second, 5*time.Millisecond)

	_, err = sb.Replace(ctx, 3, st("b-final"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return regA.Room("doc").Snapshot().Storage.Content == "b-final"
	}, time.Second, 5*time.Millisecond)

	for _, reg := range []*Registry{regA, regB} {
		snap := reg.Room("doc").Snapshot()
		assert.Equal(t, uint64(4), snap.Version)
		assert.Equal(t, "b", snap.Instance)
	}

	require.NoError(t, pa.Flush(ctx, "doc"))
	require.NoError(t, pb.Flush(ctx, "doc"))
	rec, found, err := rows.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b-final", rec.Content)
	assert.Equal(t, uint64(4), rec.Version)
}

func TestCrossInstance_ConcurrentCommitsConverge(t *testing.T) {
	bus := NewMemoryBus(0)
	regA, _ := newTestRegistry(t, func(o *Options) { o.InstanceID = "a"; o.Bus = bus })
	regB, _ := newTestRegistry(t, func(o *Options) { o.InstanceID = "b"; o.Bus = bus })
	ra, _ := join(t, regA, "doc", "ann", access.RoleEditor)
	rb, _ := join(t, regB, "doc", "bob", access.RoleEditor)

	// 两边同时提交同一个版本号，按实例标记决出胜者
	roomA, roomB := regA.Room("doc"), regB.Room("doc")
	require.NoError(t, roomA.writeSem.Acquire(context.Background()))
	require.NoError(t, roomB.writeSem.Acquire(context.Background()))
	roomA.mu.Lock()
	roomA.commitLocked(st("from a"), ra.ID())
	roomA.mu.Unlock()
	roomB.mu.Lock()
	roomB.commitLocked(st("from b"), rb.ID())
	roomB.mu.Unlock()
	require.NoError(t, bus.Publish(BusEnvelope{Instance: "a", Snapshot: roomA.Snapshot()}))
	require.NoError(t, bus.Publish(BusEnvelope{Instance: "b", Snapshot: roomB.Snapshot()}))
	require.NoError(t, roomA.writeSem.Release())
	require.NoError(t, roomB.writeSem.Release())

	require.Eventually(t, func() bool {
		return roomA.Snapshot().Storage.Content == "from b" && roomB.Snapshot().Storage.Content == "from b"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), roomA.Snapshot().Version)
	assert.Never(t, func() bool { return roomB.Snapshot().Storage.Content != "from b" }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRegistryClose(t *testing.T) {
	persister := &recordingPersister{}
	reg, _ := newTestRegistry(t, func(o *Options) { o.Persister = persister })
	s, _ := join(t, reg, "doc", "ann", access.RoleEditor)

	require.NoError(t, reg.Close(context.Background()))
	assert.True(t, s.Left())
	assert.Empty(t, reg.Rooms())
	_, flushed := persister.counts()
	assert.Equal(t, 1, flushed)

	_, err := reg.JoinRoom(context.Background(), "doc", NewSession(SessionInfo{Name: "x"}, nil, nil))
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
