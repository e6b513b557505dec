package store

import (
	"context"
	"database/sql"

	"github.com/karn-cyber/notion/backend/internal/collab"
)

// saveSnapshot 同一版本重复写入（重试、多实例）按成功处理
func saveSnapshot(ctx context.Context, tx *sql.Tx, rec collab.PersistRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content, blocks, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.RoomID,
		rec.Version,
		rec.Content,
		nullableJSON(rec.Blocks),
		rec.Timestamp,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}
