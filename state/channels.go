package state

import (
	"sort"
	"strings"
	"sync"
)

// Channel mirrors one channel's shared state. Mode and prefix tokens are
// opaque to the link core; they are stored and re-emitted verbatim.
type Channel struct {
	Name      string
	TS        int64
	Modes     string
	Topic     string
	TopicTS   int64
	TopicBy   string
	members   map[string]string // UID -> prefix token ("" for none)
}

// Members returns UID -> prefix for every member, copied.
func (c *Channel) Members() map[string]string {
	out := make(map[string]string, len(c.members))
	for uid, prefix := range c.members {
		out[uid] = prefix
	}
	return out
}

// MemberUIDs returns the member UIDs sorted for deterministic emission.
func (c *Channel) MemberUIDs() []string {
	out := make([]string, 0, len(c.members))
	for uid := range c.members {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// ChannelTable indexes channels by folded name.
type ChannelTable struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewChannelTable returns an empty table.
func NewChannelTable() *ChannelTable {
	return &ChannelTable{channels: make(map[string]*Channel)}
}

func foldChan(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Get returns a copy of the named channel.
func (t *ChannelTable) Get(name string) (Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.channels[foldChan(name)]
	if !ok {
		return Channel{}, false
	}
	cp := *c
	cp.members = c.Members()
	return cp, true
}

// TS returns the creation timestamp of the named channel, or 0 if unknown.
func (t *ChannelTable) TS(name string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.channels[foldChan(name)]; ok {
		return c.TS
	}
	return 0
}

// Join merges members into a channel, creating it with the given timestamp if
// new. When the incoming timestamp is lower than the stored one, the channel's
// timestamp and modes are replaced and existing member prefixes are cleared,
// mirroring how a lower creation time takes authority over the channel.
func (t *ChannelTable) Join(name string, ts int64, modes string, members map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	folded := foldChan(name)
	c, ok := t.channels[folded]
	if !ok {
		c = &Channel{Name: strings.TrimSpace(name), TS: ts, Modes: modes, members: make(map[string]string)}
		t.channels[folded] = c
	} else if ts < c.TS {
		c.TS = ts
		c.Modes = modes
		for uid := range c.members {
			c.members[uid] = ""
		}
	}
	keepPrefixes := ts <= c.TS
	for uid, prefix := range members {
		if !keepPrefixes {
			prefix = ""
		}
		c.members[uid] = prefix
	}
}

// SetModes replaces a channel's mode token when the timestamp does not lose
// the tie-break (lower wins, equal applies).
func (t *ChannelTable) SetModes(name string, ts int64, modes string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.channels[foldChan(name)]
	if !ok || ts > c.TS {
		return false
	}
	c.Modes = modes
	return true
}

// SetTopic records a topic with its own timestamp; newer topic timestamps win.
func (t *ChannelTable) SetTopic(name string, topicTS int64, setBy, topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.channels[foldChan(name)]
	if !ok || (c.TopicTS != 0 && topicTS < c.TopicTS) {
		return false
	}
	c.Topic = topic
	c.TopicTS = topicTS
	c.TopicBy = setBy
	return true
}

// RemoveUser drops a UID from every channel, deleting channels that empty out.
func (t *ChannelTable) RemoveUser(uid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for folded, c := range t.channels {
		delete(c.members, uid)
		if len(c.members) == 0 {
			delete(t.channels, folded)
		}
	}
}

// Len reports the number of channels.
func (t *ChannelTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}

// Snapshot returns copies of all channels ordered by name.
func (t *ChannelTable) Snapshot() []Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Channel, 0, len(t.channels))
	for _, c := range t.channels {
		cp := *c
		cp.members = c.Members()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
