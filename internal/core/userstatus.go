package core

import (
	"context"
	"sync"

	"transactor/pkg/domain"
)

// UserStatus is the cached presence of one account.
type UserStatus struct {
	ID     domain.Ref
	User   domain.Ref
	Online bool
}

// UserStatusCache mirrors committed UserStatus documents.
type UserStatusCache struct {
	mu      sync.RWMutex
	byID    map[domain.Ref]UserStatus
	adapter domain.DbAdapter
}

// NewUserStatusCache returns a cache falling back to adapter on misses.
func NewUserStatusCache(adapter domain.DbAdapter) *UserStatusCache {
	return &UserStatusCache{byID: make(map[domain.Ref]UserStatus), adapter: adapter}
}

// Set stores the status of a document.
func (c *UserStatusCache) Set(status UserStatus) {
	c.mu.Lock()
	c.byID[status.ID] = status
	c.mu.Unlock()
}

// Remove drops a document.
func (c *UserStatusCache) Remove(id domain.Ref) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}

// Get returns the cached status document.
func (c *UserStatusCache) Get(id domain.Ref) (UserStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// ByUser returns the status of user, reading storage on a miss.
func (c *UserStatusCache) ByUser(ctx context.Context, user domain.Ref) (UserStatus, bool, error) {
	c.mu.RLock()
	for _, s := range c.byID {
		if s.User == user {
			c.mu.RUnlock()
			return s, true, nil
		}
	}
	c.mu.RUnlock()
	if c.adapter == nil {
		return UserStatus{}, false, nil
	}
	docs, err := c.adapter.FindAll(ctx, domain.ClassUserStatus, domain.Query{domain.AttrNameUser: string(user)}, &domain.FindOptions{Limit: 1})
	if err != nil {
		return UserStatus{}, false, err
	}
	if len(docs) == 0 {
		return UserStatus{}, false, nil
	}
	s := StatusFromDoc(&docs[0])
	c.Set(s)
	return s, true, nil
}

// StatusFromDoc reads a UserStatus document.
func StatusFromDoc(doc *domain.Doc) UserStatus {
	return UserStatus{
		ID:     doc.ID,
		User:   domain.Ref(doc.AttrString(domain.AttrNameUser)),
		Online: doc.AttrBool(domain.AttrNameOnline),
	}
}
