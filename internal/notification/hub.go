package notification

import (
	"sort"
	"sync"
)

// Hub はユーザーIDごとの通知ストアを管理する。
// ストアは初回アクセス時に生成され、プロセス再起動で失われる。
type Hub struct {
	mu      sync.RWMutex
	stores  map[string]*Store
	factory func() *Store
}

// NewHub はHubを生成する。newStoreはストア生成時に毎回呼ばれる。
func NewHub(newStore func() *Store) *Hub {
	if newStore == nil {
		newStore = func() *Store { return NewStore() }
	}
	return &Hub{
		stores:  make(map[string]*Store),
		factory: newStore,
	}
}

// Get は指定ユーザーのストアを返す。存在しない場合は生成する。
func (h *Hub) Get(userID string) *Store {
	h.mu.RLock()
	s, ok := h.stores[userID]
	h.mu.RUnlock()
	if ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// ダブルチェック
	if s, ok := h.stores[userID]; ok {
		return s
	}
	s = h.factory()
	h.stores[userID] = s
	return s
}

// Lookup は指定ユーザーのストアが存在すれば返す。生成はしない。
func (h *Hub) Lookup(userID string) (*Store, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.stores[userID]
	return s, ok
}

// Drop は指定ユーザーのストアを破棄し、購読チャネルをクローズする。
func (h *Hub) Drop(userID string) {
	h.mu.Lock()
	s, ok := h.stores[userID]
	delete(h.stores, userID)
	h.mu.Unlock()

	if ok {
		s.Close()
	}
}

// UserIDs は管理中のユーザーIDをソート済みで返す。
func (h *Hub) UserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.stores))
	for id := range h.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len は管理中のストア数を返す。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.stores)
}
