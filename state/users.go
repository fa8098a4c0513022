// Package state holds the in-memory mirrors of network state that the link
// core updates while bursting and relaying: users, channels and network bans.
// The link reactor is the only writer, but the tables take their own locks so
// read-side consumers (metrics, diagnostics) may snapshot them safely.
package state

import (
	"sort"
	"strings"
	"sync"
)

// User mirrors one remote or local user as introduced by UID.
type User struct {
	UID      string
	Nick     string
	Ident    string
	Host     string
	IP       string
	ServerID string
	TS       int64
	Modes    string
	Away     string
	OperType string
}

// UserTable indexes users by UID and by folded nick.
type UserTable struct {
	mu     sync.RWMutex
	byUID  map[string]*User
	byNick map[string]string // folded nick -> UID
}

// NewUserTable returns an empty table.
func NewUserTable() *UserTable {
	return &UserTable{
		byUID:  make(map[string]*User),
		byNick: make(map[string]string),
	}
}

func foldNick(nick string) string {
	return strings.ToLower(strings.TrimSpace(nick))
}

// Add inserts a user. It reports false when the UID is already present; nick
// collisions are resolved by the caller's tie-break before adding.
func (t *UserTable) Add(u User) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byUID[u.UID]; ok {
		return false
	}
	stored := u
	t.byUID[u.UID] = &stored
	t.byNick[foldNick(u.Nick)] = u.UID
	return true
}

// Get returns a copy of the user with the given UID.
func (t *UserTable) Get(uid string) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.byUID[uid]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// GetNick returns a copy of the user currently holding nick.
func (t *UserTable) GetNick(nick string) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	uid, ok := t.byNick[foldNick(nick)]
	if !ok {
		return User{}, false
	}
	u, ok := t.byUID[uid]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Rename moves a user to a new nick. The nick slot must be free or already
// owned by the same user.
func (t *UserTable) Rename(uid, nick string, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byUID[uid]
	if !ok {
		return false
	}
	folded := foldNick(nick)
	if holder, taken := t.byNick[folded]; taken && holder != uid {
		return false
	}
	delete(t.byNick, foldNick(u.Nick))
	u.Nick = strings.TrimSpace(nick)
	u.TS = ts
	t.byNick[folded] = uid
	return true
}

// SetAway records or clears a user's away message.
func (t *UserTable) SetAway(uid, message string) bool {
	return t.update(uid, func(u *User) { u.Away = message })
}

// SetOperType records a user's operator type.
func (t *UserTable) SetOperType(uid, operType string) bool {
	return t.update(uid, func(u *User) { u.OperType = operType })
}

func (t *UserTable) update(uid string, fn func(*User)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byUID[uid]
	if !ok {
		return false
	}
	fn(u)
	return true
}

// Remove deletes a single user by UID.
func (t *UserTable) Remove(uid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byUID[uid]
	if !ok {
		return false
	}
	delete(t.byNick, foldNick(u.Nick))
	delete(t.byUID, uid)
	return true
}

// RemoveByServer drops every user homed on the given server and reports how
// many were removed. Satisfies tree.UserTable for split handling.
func (t *UserTable) RemoveByServer(sid string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for uid, u := range t.byUID {
		if u.ServerID != sid {
			continue
		}
		delete(t.byNick, foldNick(u.Nick))
		delete(t.byUID, uid)
		removed++
	}
	return removed
}

// UIDsByServer returns the UIDs of every user homed on the given server,
// sorted, without removing them. Split handling uses it to scrub channel
// memberships alongside the user entries.
func (t *UserTable) UIDsByServer(sid string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for uid, u := range t.byUID {
		if u.ServerID == sid {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

// Len reports the number of known users.
func (t *UserTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUID)
}

// Snapshot returns copies of all users ordered by UID.
func (t *UserTable) Snapshot() []User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]User, 0, len(t.byUID))
	for _, u := range t.byUID {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
