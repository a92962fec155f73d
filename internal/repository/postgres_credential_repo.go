package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/vitalsync/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したトークンストア。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByProvider はプロバイダーの認可情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByProvider(ctx context.Context, provider model.Provider) (*model.Credential, error) {
	cred := &model.Credential{}
	var p string
	err := r.db.QueryRowContext(ctx,
		`SELECT provider, access_token, refresh_token, expires_at, scope, external_user_id, updated_at
		 FROM credentials WHERE provider = $1`,
		string(provider),
	).Scan(&p, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.Scope, &cred.ExternalUserID, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	cred.Provider = model.Provider(p)
	return cred, nil
}

// Upsert は認可情報を保存する。
// providerが主キーのため、再認可時は1文で既存行を置き換える。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.Credential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (provider, access_token, refresh_token, expires_at, scope, external_user_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   scope = EXCLUDED.scope,
		   external_user_id = EXCLUDED.external_user_id,
		   updated_at = EXCLUDED.updated_at`,
		string(cred.Provider), cred.AccessToken, cred.RefreshToken, cred.ExpiresAt,
		cred.Scope, cred.ExternalUserID, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}

	return nil
}

// DeleteByProvider はプロバイダーの認可情報を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (r *PostgresCredentialRepo) DeleteByProvider(ctx context.Context, provider model.Provider) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider = $1`,
		string(provider),
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List は保存されている全ての認可情報をプロバイダー名順に返す。
func (r *PostgresCredentialRepo) List(ctx context.Context) ([]*model.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT provider, access_token, refresh_token, expires_at, scope, external_user_id, updated_at
		 FROM credentials ORDER BY provider`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*model.Credential
	for rows.Next() {
		cred := &model.Credential{}
		var p string
		if err := rows.Scan(&p, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.Scope, &cred.ExternalUserID, &cred.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		cred.Provider = model.Provider(p)
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}

	return creds, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
