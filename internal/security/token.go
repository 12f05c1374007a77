package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken はトークンの形式・署名・発行者が不正な場合に返される。
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken はトークンの有効期限が切れている場合に返される。
	ErrExpiredToken = errors.New("token expired")
)

// SessionClaims はBearerトークンのクレーム。
// jtiにセッションID、subにユーザーIDを格納する。
type SessionClaims struct {
	jwt.RegisteredClaims
}

// SessionID はクレームに含まれるセッションIDを返す。
func (c *SessionClaims) SessionID() string { return c.ID }

// UserID はクレームに含まれるユーザーIDを返す。
func (c *SessionClaims) UserID() string { return c.Subject }

// TokenIssuer はHS256で署名したBearerトークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
// secretはSESSION_SECRETから渡され、十分な長さを持つ必要がある。
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock は現在時刻の取得関数を差し替えたTokenIssuerを返す。テスト用。
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	c := *t
	c.now = now
	return &c
}

// TTL はトークンの有効期間を返す。
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue はセッションIDとユーザーIDを含むトークンを発行する。
func (t *TokenIssuer) Issue(sessionID, userID string, expiresAt time.Time) (string, error) {
	now := t.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンの署名・有効期限・発行者を検証し、クレームを返す。
// 期限切れの場合はErrExpiredToken、それ以外の不正はErrInvalidTokenを返す。
func (t *TokenIssuer) Parse(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateOpaqueToken は暗号的に安全なランダムトークンを16進文字列で返す。
// セッションIDやワンタイムトークンに使用する。
func GenerateOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken はワンタイムトークンのSHA-256ハッシュを16進文字列で返す。
// 平文トークンを保存せずに照合するために使用する。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LooksLikeOpaqueToken はトークンがGenerateOpaqueTokenの形式（64桁の16進）かを判定する。
func LooksLikeOpaqueToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
