// Package storage はengagectlのセッションを永続化するローカルKVストアを提供する。
// 実体はLevelDBで、ディスク上のディレクトリまたはメモリ上に置ける。
//
// 保存するキーは2つ:
//   - token: Bearerトークン（平文）
//   - user:  {"version":1,"session":{...}} 形式のセッションレコード
//
// 2つのキーの書き込みと削除は常に1つのバッチで行う。
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"syscall"

	"github.com/syndtr/goleveldb/leveldb"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// SchemaVersion は現在のセッションレコードのスキーマバージョン。
const SchemaVersion = 1

const (
	KeyToken = "token"
	KeyUser  = "user"
)

var (
	// ErrNotFound はセッションが保存されていないことを示す。
	ErrNotFound = errors.New("storage: session not found")
	// ErrUnknownVersion は未知のスキーマバージョンのレコードを読み込んだことを示す。
	ErrUnknownVersion = errors.New("storage: unknown session schema version")
	// ErrLocked は状態ディレクトリを別プロセスが使用中であることを示す。
	ErrLocked = errors.New("storage: state directory is locked by another process")
)

// envelope はuserキーに保存するバージョン付きレコード。
type envelope struct {
	Version int             `json:"version"`
	Session json.RawMessage `json:"session"`
}

// DB はLevelDBをバックエンドとするセッションストレージ。
type DB struct {
	db *leveldb.DB
}

// OpenLevelDB はdir配下のLevelDBを開く。存在しなければ作成する。
// 別プロセスがロックを保持している場合はErrLockedを返す。
func OpenLevelDB(dir string) (*DB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		if isLockError(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("failed to open state directory %s: %w", dir, err)
	}
	return &DB{db: db}, nil
}

// NewMemory はメモリ上のLevelDBを生成する。テスト用。
func NewMemory() *DB {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		// メモリストレージのOpenは失敗しない
		panic(fmt.Sprintf("storage: failed to open memory storage: %v", err))
	}
	return &DB{db: db}
}

// Load はトークンとセッションレコードを返す。
// どちらかが欠けている場合はErrNotFound、バージョンが異なる場合はErrUnknownVersionを返す。
func (d *DB) Load() (string, []byte, error) {
	token, err := d.db.Get([]byte(KeyToken), nil)
	if err != nil {
		return "", nil, translate(err)
	}
	raw, err := d.db.Get([]byte(KeyUser), nil)
	if err != nil {
		return "", nil, translate(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	if env.Version != SchemaVersion {
		return "", nil, fmt.Errorf("%w: %d", ErrUnknownVersion, env.Version)
	}
	if len(token) == 0 || len(env.Session) == 0 {
		return "", nil, ErrNotFound
	}
	return string(token), env.Session, nil
}

// Save はトークンとセッションレコードを1つのバッチで書き込む。
func (d *DB) Save(token string, record []byte) error {
	raw, err := json.Marshal(envelope{Version: SchemaVersion, Session: record})
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(KeyToken), []byte(token))
	batch.Put([]byte(KeyUser), raw)
	if err := d.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear はトークンとセッションレコードを削除する。保存されていなくてもエラーにしない。
func (d *DB) Clear() error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(KeyToken))
	batch.Delete([]byte(KeyUser))
	if err := d.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close はLevelDBを閉じ、ディレクトリのロックを解放する。
func (d *DB) Close() error {
	return d.db.Close()
}

func translate(err error) error {
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to read session: %w", err)
}

// isLockError はLOCKファイルの排他ロック取得失敗かどうかを判定する。
func isLockError(err error) bool {
	return errors.Is(err, lvstorage.ErrLocked) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EAGAIN)
}
