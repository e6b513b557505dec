package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/karn-cyber/notion/backend/internal/collab"
)

// DocumentStore 文档内容的持久化：document_contents 存最新版本，
// document_snapshots 按版本留历史
type DocumentStore struct{ db *sql.DB }

var (
	_ collab.Loader         = (*DocumentStore)(nil)
	_ collab.DocumentWriter = (*DocumentStore)(nil)
)

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// CreateDocument 新建文档记录，已存在时不报错
func (s *DocumentStore) CreateDocument(ctx context.Context, roomID, ownerKey, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, owner_key, title) VALUES (?, ?, ?)`,
		roomID,
		ownerKey,
		title,
	)
	if err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

// LoadDocument 房间第一次加入时读取最新内容，没有记录返回 found=false
func (s *DocumentStore) LoadDocument(ctx context.Context, roomID string) (collab.PersistRecord, bool, error) {
	rec := collab.PersistRecord{RoomID: roomID}
	var blocks []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content, blocks, version, instance_id, updated_at FROM document_contents WHERE document_id = ?`,
		roomID,
	).Scan(&rec.Content, &blocks, &rec.Version, &rec.Instance, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.PersistRecord{}, false, nil
	}
	if err != nil {
		return collab.PersistRecord{}, false, fmt.Errorf("load document %s: %w", roomID, err)
	}
	if len(blocks) > 0 {
		rec.Blocks = json.RawMessage(blocks)
	}
	return rec, true, nil
}

// SaveDocument 更新最新内容并追加一条历史。
// 多实例各自落盘，按 (version, instance_id) 取最大的一条，和房间之间采纳提交的顺序一致
func (s *DocumentStore) SaveDocument(ctx context.Context, rec collab.PersistRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// MySQL 按顺序求值 ON DUPLICATE KEY UPDATE 的赋值，instance_id 和 version 必须放最后
	_, err = tx.ExecContext(ctx,
		`INSERT INTO document_contents (document_id, content, blocks, version, instance_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			content = IF(`+newerRow+`, VALUES(content), content),
			blocks = IF(`+newerRow+`, VALUES(blocks), blocks),
			updated_at = IF(`+newerRow+`, VALUES(updated_at), updated_at),
			instance_id = IF(`+newerRow+`, VALUES(instance_id), instance_id),
			version = GREATEST(version, VALUES(version))`,
		rec.RoomID,
		rec.Content,
		nullableJSON(rec.Blocks),
		rec.Version,
		rec.Instance,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert content: %w", err)
	}
	if err := saveSnapshot(ctx, tx, rec); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return tx.Commit()
}

// newerRow 新写入的行是否排在库里那一行之后
const newerRow = `(VALUES(version) > version OR (VALUES(version) = version AND VALUES(instance_id) > instance_id))`

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// SnapshotInfo 历史版本的摘要
type SnapshotInfo struct {
	Revision  uint64    `json:"revision"`
	Length    int       `json:"length"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListSnapshots 最近 limit 条历史，版本倒序
func (s *DocumentStore) ListSnapshots(ctx context.Context, roomID string, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT revision, CHAR_LENGTH(content), created_at FROM document_snapshots
		WHERE document_id = ? ORDER BY revision DESC LIMIT ?`,
		roomID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SnapshotInfo{}
	for rows.Next() {
		var si SnapshotInfo
		if err := rows.Scan(&si.Revision, &si.Length, &si.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}
