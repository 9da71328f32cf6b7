package engine

import (
	"sort"
	"sync"
)

const lockStripes = 64

// stripedLock serializes the {persist, increment} and
// {mark-read, reset} side-effect pairs per (user, chat) key. Without
// this, a mark-read that snapshots the store before a send persists
// can overwrite the send's counter increment with a stale zero.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func stripeFor(userID, chatID int) int {
	h := uint32(userID)*2654435761 + uint32(chatID)*40503
	return int(h % lockStripes)
}

// lock acquires the given stripes in index order (deduplicated) so
// concurrent multi-recipient sends cannot deadlock. The returned
// function releases them.
func (l *stripedLock) lock(indexes []int) func() {
	sort.Ints(indexes)
	acquired := indexes[:0]
	prev := -1
	for _, idx := range indexes {
		if idx == prev {
			continue
		}
		prev = idx
		l.stripes[idx].Lock()
		acquired = append(acquired, idx)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			l.stripes[acquired[i]].Unlock()
		}
	}
}
