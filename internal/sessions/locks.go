package sessions

import (
	"sync"
)

// chatLocks provides one mutex per chat id so that mutations for a given
// chat are serialized while unrelated chats never contend.
//
// Entries are created lazily and are tiny; the store's sweep bounds the
// overall session population, so no separate lock eviction is needed.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*chatLock)}
}

// lock acquires the per-chat mutex and returns the release function.
// Lock entries are reference counted and removed once unused, so the map
// does not grow with the historical set of chat ids.
func (c *chatLocks) lock(chatID string) func() {
	c.mu.Lock()
	l, ok := c.locks[chatID]
	if !ok {
		l = &chatLock{}
		c.locks[chatID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, chatID)
		}
		c.mu.Unlock()
	}
}
