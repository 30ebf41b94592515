package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/otrix/occam-agents/pkg/types"
)

// PostgresStore persists sealed credential records in PostgreSQL. Only the
// envelope fields are stored; plaintext never reaches the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing database handle.
// Schema is managed by internal/db migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const credentialColumns = `
	id, scope, kind, nonce, ciphertext, tag, key_version,
	COALESCE(strength, ''), COALESCE(owning_entity, ''), COALESCE(superseded_by, ''),
	created_at, expires_at, last_used_at, usage_count`

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials
			(id, scope, kind, nonce, ciphertext, tag, key_version, strength,
			 owning_entity, superseded_by, created_at, expires_at, last_used_at, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		credentialArgs(rec)...,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	rec, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "vault.store", "credential %s not found", id)
	}
	return rec, err
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET
			scope = $2, kind = $3, nonce = $4, ciphertext = $5, tag = $6,
			key_version = $7, strength = $8, owning_entity = $9,
			superseded_by = $10, created_at = $11, expires_at = $12,
			last_used_at = $13, usage_count = $14
		WHERE id = $1`,
		credentialArgs(rec)...,
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "vault.store", "credential %s not found", rec.Meta.ID)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "vault.store", "credential %s not found", id)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Supersede commits a credential rotation's insert and update in one
// transaction.
func (s *PostgresStore) Supersede(ctx context.Context, next, old *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credentials
			(id, scope, kind, nonce, ciphertext, tag, key_version, strength,
			 owning_entity, superseded_by, created_at, expires_at, last_used_at, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		credentialArgs(next)...,
	); err != nil {
		return fmt.Errorf("insert rotated credential: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE credentials SET superseded_by = $2 WHERE id = $1`,
		old.Meta.ID, nullStr(old.Meta.SupersededBy),
	)
	if err != nil {
		return fmt.Errorf("mark credential superseded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "vault.store", "credential %s not found", old.Meta.ID)
	}
	return tx.Commit()
}

// ReplaceAll swaps the full record set in one transaction, so master-key
// rotation either lands whole or leaves the prior contents readable.
func (s *PostgresStore) ReplaceAll(ctx context.Context, recs []*Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials
				(id, scope, kind, nonce, ciphertext, tag, key_version, strength,
				 owning_entity, superseded_by, created_at, expires_at, last_used_at, usage_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			credentialArgs(rec)...,
		); err != nil {
			return fmt.Errorf("insert credential %s: %w", rec.Meta.ID, err)
		}
	}
	return tx.Commit()
}

func credentialArgs(rec *Record) []interface{} {
	return []interface{}{
		rec.Meta.ID, rec.Meta.Scope, string(rec.Meta.Kind),
		rec.Envelope.Nonce, rec.Envelope.Ciphertext, rec.Envelope.Tag,
		rec.Envelope.KeyVersion, nullStr(string(rec.Meta.Strength)),
		nullStr(rec.Meta.OwningEntity), nullStr(rec.Meta.SupersededBy),
		rec.Meta.CreatedAt, rec.Meta.ExpiresAt, rec.Meta.LastUsedAt,
		rec.Meta.UsageCount,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*Record, error) {
	var (
		rec      Record
		kind     string
		strength string
	)
	if err := row.Scan(&rec.Meta.ID, &rec.Meta.Scope, &kind,
		&rec.Envelope.Nonce, &rec.Envelope.Ciphertext, &rec.Envelope.Tag,
		&rec.Envelope.KeyVersion, &strength, &rec.Meta.OwningEntity,
		&rec.Meta.SupersededBy, &rec.Meta.CreatedAt, &rec.Meta.ExpiresAt,
		&rec.Meta.LastUsedAt, &rec.Meta.UsageCount); err != nil {
		return nil, err
	}
	rec.Meta.Kind = types.CredentialKind(kind)
	rec.Meta.Strength = types.PasswordStrength(strength)
	rec.Meta.KeyVersion = rec.Envelope.KeyVersion
	rec.Envelope.CreatedAt = rec.Meta.CreatedAt
	return &rec, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
