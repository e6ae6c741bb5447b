package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/relayhub/internal/domain"
)

// Load reads the registry snapshot. It returns [domain.ErrSnapshotMissing]
// when the registry was never initialized.
func (s *Store) Load(ctx context.Context) (domain.Registry, error) {
	var data []byte
	var err error
	if s.loadSnapshotStmt != nil {
		err = s.loadSnapshotStmt.QueryRowContext(ctx).Scan(&data)
	} else {
		err = s.db.QueryRowContext(ctx, loadSnapshotQuery).Scan(&data)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Registry{}, domain.ErrSnapshotMissing
	}
	if err != nil {
		return domain.Registry{}, fmt.Errorf("read snapshot: %w", err)
	}
	return domain.DecodeSnapshot(data)
}

// Save replaces the registry snapshot.
func (s *Store) Save(ctx context.Context, r domain.Registry) error {
	data, err := domain.EncodeSnapshot(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO registry_snapshot(id, data, updated_at)
VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Init writes an empty snapshot. Without force it leaves an existing
// snapshot untouched and reports created=false.
func (s *Store) Init(ctx context.Context, force bool) (created bool, err error) {
	data, err := domain.EncodeSnapshot(domain.NewRegistry())
	if err != nil {
		return false, err
	}
	query := `INSERT INTO registry_snapshot(id, data, updated_at) VALUES(1, ?, ?) ON CONFLICT(id) DO NOTHING`
	if force {
		query = `INSERT INTO registry_snapshot(id, data, updated_at) VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	}
	res, err := s.db.ExecContext(ctx, query, data, time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
