package proctable

import (
	"os/user"
	"strconv"
	"sync"
)

// UserNames resolves numeric uids to account names and remembers the answers
// until Reset. Unknown uids render as the number.
type UserNames struct {
	mu     sync.Mutex
	cache  map[int]string
	lookup func(uid string) (*user.User, error)
}

// NewUserNames returns a resolver backed by the system user database.
func NewUserNames() *UserNames {
	return &UserNames{cache: make(map[int]string), lookup: user.LookupId}
}

// Name returns the account name for uid.
func (u *UserNames) Name(uid int) string {
	u.mu.Lock()
	defer u.mu.Unlock()

	if name, ok := u.cache[uid]; ok {
		return name
	}
	name := strconv.Itoa(uid)
	if acct, err := u.lookup(name); err == nil && acct.Username != "" {
		name = acct.Username
	}
	u.cache[uid] = name
	return name
}

// Reset forgets cached names so account changes show up on the next refresh.
func (u *UserNames) Reset() {
	u.mu.Lock()
	clear(u.cache)
	u.mu.Unlock()
}
