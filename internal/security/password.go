package security

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher はbcryptによるパスワードハッシュの生成と検証を行う。
// 平文パスワードをログや永続化層に渡してはならない。
type PasswordHasher struct {
	cost  int
	dummy []byte
}

// NewPasswordHasher はPasswordHasherを生成する。
// costが範囲外の場合はbcryptの上下限に丸め、0以下ならデフォルト値を使用する。
func NewPasswordHasher(cost int) *PasswordHasher {
	cost = clampCost(cost)
	// 未登録ユーザーの照合に使うダミーハッシュ。生成失敗時はDummyVerifyが即時に返る
	dummy, _ := bcrypt.GenerateFromPassword([]byte("engagepro-dummy-password"), cost)
	return &PasswordHasher{cost: cost, dummy: dummy}
}

// Hash はパスワードのbcryptハッシュを返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify はパスワードがハッシュと一致するかを定数時間で検証する。
func (h *PasswordHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// DummyVerify は存在しないユーザーに対しても照合と同等の時間を消費させる。
// 応答時間からメールアドレスの登録有無を推測されないようにする。
func (h *PasswordHasher) DummyVerify(password string) {
	if len(h.dummy) == 0 {
		return
	}
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}

func clampCost(cost int) int {
	switch {
	case cost <= 0:
		return bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		return bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		return bcrypt.MaxCost
	}
	return cost
}
