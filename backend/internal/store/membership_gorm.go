package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/karn-cyber/notion/backend/internal/access"
)

// Member room_members 表
type Member struct {
	RoomID    string    `gorm:"primaryKey;type:varchar(64)"`
	MemberKey string    `gorm:"primaryKey;type:varchar(255);index:idx_room_members_member"`
	Role      string    `gorm:"type:varchar(16);not null"`
	GrantedBy string    `gorm:"type:varchar(255);not null;default:''"`
	GrantedAt time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "room_members" }

type MembershipRepo struct {
	db *gorm.DB
}

var _ access.MembershipStore = (*MembershipRepo)(nil)

func NewMembershipRepo(db *gorm.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

func (r *MembershipRepo) Lookup(ctx context.Context, roomID, memberKey string) (access.Role, bool, error) {
	var m Member
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND member_key = ?", roomID, memberKey).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return access.RoleNone, false, nil // 没找到不是错误
		}
		return access.RoleNone, false, err
	}
	role, err := access.ParseRole(m.Role)
	if err != nil {
		return access.RoleNone, false, err
	}
	return role, true, nil
}

func (r *MembershipRepo) Upsert(ctx context.Context, m access.Membership) error {
	row := Member{
		RoomID:    m.RoomID,
		MemberKey: m.MemberKey,
		Role:      string(m.Role),
		GrantedBy: m.GrantedBy,
		GrantedAt: m.GrantedAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoUpdates: clause.AssignmentColumns([]string{"role", "granted_by", "granted_at"})}).
		Create(&row).Error
}

func (r *MembershipRepo) Delete(ctx context.Context, roomID, memberKey string) error {
	return r.db.WithContext(ctx).
		Where("room_id = ? AND member_key = ?", roomID, memberKey).
		Delete(&Member{}).Error
}

func (r *MembershipRepo) ListByMember(ctx context.Context, memberKey string) ([]access.Membership, error) {
	var rows []Member
	err := r.db.WithContext(ctx).
		Where("member_key = ?", memberKey).
		Order("room_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]access.Membership, 0, len(rows))
	for _, row := range rows {
		role, err := access.ParseRole(row.Role)
		if err != nil {
			continue
		}
		out = append(out, access.Membership{
			RoomID:    row.RoomID,
			MemberKey: row.MemberKey,
			Role:      role,
			GrantedBy: row.GrantedBy,
			GrantedAt: row.GrantedAt,
		})
	}
	return out, nil
}

func (r *MembershipRepo) HasOwner(ctx context.Context, roomID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Member{}).
		Where("room_id = ? AND role = ?", roomID, string(access.RoleOwner)).
		Count(&n).Error
	return n > 0, err
}
