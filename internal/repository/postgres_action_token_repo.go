package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/engagepro/internal/model"
)

// PostgresActionTokenRepo はPostgreSQLを使用したワンタイムトークンリポジトリ。
type PostgresActionTokenRepo struct {
	db *sql.DB
}

// NewPostgresActionTokenRepo はPostgresActionTokenRepoを生成する。
func NewPostgresActionTokenRepo(db *sql.DB) *PostgresActionTokenRepo {
	return &PostgresActionTokenRepo{db: db}
}

// Create はトークンを作成する。
// 同一ユーザー・同一種別の未使用トークンは同じトランザクションで使用済みにし、
// 最後に発行したリンクだけが有効になるようにする。
func (r *PostgresActionTokenRepo) Create(ctx context.Context, token *model.ActionToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE action_tokens SET used_at = $3
		 WHERE user_id = $1 AND kind = $2 AND used_at IS NULL`,
		token.UserID, string(token.Kind), token.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to invalidate previous tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_tokens (id, user_id, kind, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.UserID, string(token.Kind), token.TokenHash, token.ExpiresAt, token.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert action token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByHash は種別とハッシュでトークンを取得する。見つからない場合はnilを返す。
func (r *PostgresActionTokenRepo) FindByHash(ctx context.Context, kind model.ActionTokenKind, tokenHash string) (*model.ActionToken, error) {
	token := &model.ActionToken{}
	var k string
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, token_hash, expires_at, used_at, created_at
		 FROM action_tokens
		 WHERE kind = $1 AND token_hash = $2`,
		string(kind), tokenHash,
	).Scan(&token.ID, &token.UserID, &k, &token.TokenHash, &token.ExpiresAt, &usedAt, &token.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find action token: %w", err)
	}

	token.Kind = model.ActionTokenKind(k)
	if usedAt.Valid {
		t := usedAt.Time
		token.UsedAt = &t
	}
	return token, nil
}

// DeleteExpired はbeforeより前に期限切れまたは使用済みになったトークンを削除する。
func (r *PostgresActionTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM action_tokens WHERE expires_at < $1 OR used_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired action tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ ActionTokenRepository = (*PostgresActionTokenRepo)(nil)
