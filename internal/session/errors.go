package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/engagepro/internal/apiclient"
	"github.com/hitoshi/engagepro/internal/model"
)

// Kind はセッション操作の失敗種別。
type Kind int

const (
	// KindValidation は入力の検証エラー。
	KindValidation Kind = iota + 1
	// KindAuth は認証情報の不一致、または認証が必要な操作での未認証。
	KindAuth
	// KindTokenInvalid はリセット・確認トークンが無効。再試行を促す。
	KindTokenInvalid
	// KindTokenExpired はリセット・確認トークンの期限切れ。新しいリンクの取得を促す。
	KindTokenExpired
	// KindConflict はメールアドレスの重複。
	KindConflict
	// KindNetwork は通信障害またはサーバーエラー。
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTokenInvalid:
		return "token_invalid"
	case KindTokenExpired:
		return "token_expired"
	case KindConflict:
		return "conflict"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ErrNotAuthenticated は認証済みセッションが必要な操作を未ログインで呼んだことを示す。
var ErrNotAuthenticated = errors.New("session: not authenticated")

// Error はセッション操作のエラー。
// errors.Is(err, &Error{Kind: k}) で種別を判定できる。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Action  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is は種別が一致する*Errorをtargetとして受け付ける。
// targetにCodeが指定されている場合はCodeも比較する。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf はerrの種別を返す。*Errorでなければ0を返す。
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func validationError(code, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    code,
		Message: message,
		Action:  "入力内容を確認してください",
	}
}

// fromAPI はAPIクライアントのエラーを*Errorに変換する。
// APIエラー以外は通信障害として扱う。
func fromAPI(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) {
		return &Error{
			Kind:    KindNetwork,
			Message: "サーバーに接続できませんでした",
			Action:  "ネットワーク接続を確認して再度お試しください",
			Err:     err,
		}
	}

	se := &Error{
		Kind:    kindForCode(apiErr.Code, apiErr.StatusCode),
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Action:  apiErr.Action,
		Err:     err,
	}
	return se
}

func kindForCode(code string, status int) Kind {
	switch code {
	case model.ErrCodeValidation, model.ErrCodeInvalidEmail, model.ErrCodeWeakPassword,
		model.ErrCodePasswordMismatch, model.ErrCodeInvalidRequest, model.ErrCodeInvalidNotification:
		return KindValidation
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized, model.ErrCodeUserNotFound:
		return KindAuth
	case model.ErrCodeTokenInvalid:
		return KindTokenInvalid
	case model.ErrCodeTokenExpired:
		return KindTokenExpired
	case model.ErrCodeEmailAlreadyExists:
		return KindConflict
	}

	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusGone:
		return KindTokenExpired
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return KindValidation
	default:
		return KindNetwork
	}
}
