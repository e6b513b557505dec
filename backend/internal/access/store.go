package access

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Membership 成员记录 (roomId, memberKey) -> role，memberKey 是规范 key
type Membership struct {
	RoomID    string    `json:"roomId"`
	MemberKey string    `json:"memberKey"`
	Role      Role      `json:"role"`
	GrantedBy string    `json:"grantedBy,omitempty"`
	GrantedAt time.Time `json:"grantedAt"`
}

// MembershipStore 成员记录的读写。found=false 表示没有记录，不是错误
type MembershipStore interface {
	Lookup(ctx context.Context, roomID, memberKey string) (role Role, found bool, err error)
	Upsert(ctx context.Context, m Membership) error
	Delete(ctx context.Context, roomID, memberKey string) error
	ListByMember(ctx context.Context, memberKey string) ([]Membership, error)
	HasOwner(ctx context.Context, roomID string) (bool, error)
}

type memberID struct {
	room string
	key  string
}

// MemoryStore 进程内实现，测试和单机开发用
type MemoryStore struct {
	mu      sync.RWMutex
	records map[memberID]Membership
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memberID]Membership)}
}

func (s *MemoryStore) Lookup(ctx context.Context, roomID, memberKey string) (Role, bool, error) {
	if err := ctx.Err(); err != nil {
		return RoleNone, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.records[memberID{roomID, memberKey}]
	if !ok {
		return RoleNone, false, nil
	}
	return m.Role, true, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, m Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[memberID{m.RoomID, m.MemberKey}] = m
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, roomID, memberKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memberID{roomID, memberKey})
	return nil
}

func (s *MemoryStore) ListByMember(ctx context.Context, memberKey string) ([]Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Membership
	for id, m := range s.records {
		if id.key == memberKey {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (s *MemoryStore) HasOwner(ctx context.Context, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, m := range s.records {
		if id.room == roomID && m.Role == RoleOwner {
			return true, nil
		}
	}
	return false, nil
}
