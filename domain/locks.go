package domain

import (
	"sort"
	"sync"
)

// columnLocks serializes mutations that touch the same column.
type columnLocks struct {
	mu    sync.Mutex
	locks map[Status]*sync.Mutex
}

func newColumnLocks() *columnLocks {
	return &columnLocks{locks: make(map[Status]*sync.Mutex)}
}

func (c *columnLocks) get(s Status) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[s]
	if !ok {
		l = &sync.Mutex{}
		c.locks[s] = l
	}
	return l
}

// lock acquires the locks of the given columns in a fixed order and returns
// the matching unlock func.
func (c *columnLocks) lock(statuses ...Status) func() {
	uniq := make([]Status, 0, len(statuses))
	seen := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		uniq = append(uniq, s)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, s := range uniq {
		l := c.get(s)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
