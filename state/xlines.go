package state

import (
	"sort"
	"sync"
	"time"
)

// XLine is one network-wide ban or exception entry. The type letter and mask
// are opaque payload as far as the link core is concerned.
type XLine struct {
	Type     string
	Mask     string
	SetBy    string
	SetTS    int64
	Duration int64 // seconds, 0 = permanent
	Reason   string
}

func (x XLine) key() string { return x.Type + " " + x.Mask }

// Expired reports whether the entry has lapsed at the given time.
func (x XLine) Expired(now time.Time) bool {
	return x.Duration > 0 && now.Unix() >= x.SetTS+x.Duration
}

// XLineTable stores active entries keyed by type and mask.
type XLineTable struct {
	mu    sync.RWMutex
	lines map[string]XLine
}

// NewXLineTable returns an empty table.
func NewXLineTable() *XLineTable {
	return &XLineTable{lines: make(map[string]XLine)}
}

// Add inserts an entry. When both sides of a burst carry the same type and
// mask, the one set earlier wins: an incoming entry replaces the stored one
// only if its set time is older.
func (t *XLineTable) Add(x XLine) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.lines[x.key()]; ok && cur.SetTS <= x.SetTS {
		return false
	}
	t.lines[x.key()] = x
	return true
}

// Remove deletes the entry with the given type and mask.
func (t *XLineTable) Remove(lineType, mask string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := XLine{Type: lineType, Mask: mask}.key()
	if _, ok := t.lines[key]; !ok {
		return false
	}
	delete(t.lines, key)
	return true
}

// Active returns non-expired entries ordered by type then mask.
func (t *XLineTable) Active(now time.Time) []XLine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]XLine, 0, len(t.lines))
	for _, x := range t.lines {
		if !x.Expired(now) {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Mask < out[j].Mask
	})
	return out
}

// Len reports the number of stored entries, expired ones included.
func (t *XLineTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lines)
}
