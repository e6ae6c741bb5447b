package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/relayhub/internal/domain"
)

// CreateAPIKey stores a new key hash. The generated id becomes the relay
// identity of whoever presents the key.
func (s *Store) CreateAPIKey(ctx context.Context, name, keyHash string) (domain.APIKey, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("generate key id: %w", err)
	}
	k := domain.APIKey{
		ID:        "k_" + strings.ReplaceAll(id.String(), "-", ""),
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys(id, name, key_hash, created_at, revoked_at)
VALUES(?, ?, ?, ?, NULL)`, k.ID, k.Name, k.KeyHash, k.CreatedAt)
	return k, err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, key_hash, created_at, revoked_at
FROM api_keys
ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			k.RevokedAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey revokes the key. The relay's registry record is kept; it ages
// out of the directory once the node can no longer heartbeat.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResolveAPIKeyID maps a key hash to the identity of its owner.
func (s *Store) ResolveAPIKeyID(ctx context.Context, keyHash string) (domain.Identity, error) {
	var id string
	var err error
	if s.resolveAPIKeyIDStmt != nil {
		err = s.resolveAPIKeyIDStmt.QueryRowContext(ctx, keyHash).Scan(&id)
	} else {
		err = s.db.QueryRowContext(ctx, resolveAPIKeyIDQuery, keyHash).Scan(&id)
	}
	return domain.Identity(id), err
}

func (s *Store) GetServerPepper(ctx context.Context) (string, bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = 'api_key_pepper'`).Scan(&current)
	if err == nil {
		return current, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// ResolveServerPepper returns the stored pepper, storing suggested on first
// use. A different suggested value than the stored one is an error since it
// would invalidate every issued key.
func (s *Store) ResolveServerPepper(ctx context.Context, suggested string) (string, error) {
	suggested = strings.TrimSpace(suggested)

	current, exists, err := s.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		if suggested != "" && suggested != current {
			return "", errors.New("provided api key pepper does not match database")
		}
		return current, nil
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO server_settings(key, value) VALUES('api_key_pepper', ?)`, suggested); err != nil {
		return "", err
	}
	return suggested, nil
}
