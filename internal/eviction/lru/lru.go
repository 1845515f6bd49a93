package lru

import (
	"container/list"
	"sync"

	"github.com/lucasew/imgprefetch/internal/eviction"
	"github.com/lucasew/imgprefetch/internal/eviction/policy"
)

// LRU implements the eviction.Strategy interface using Least Recently Used logic.
type LRU struct {
	mu    sync.Mutex
	list  *list.List
	items map[string]*list.Element
}

type entry struct {
	key  string
	size int64
}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{
		list:  list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) OnAdd(key string, size int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
		ent := elem.Value.(*entry)
		oldSize := ent.size
		ent.size = size
		return size - oldSize
	}

	l.items[key] = l.list.PushFront(&entry{key: key, size: size})
	return size
}

func (l *LRU) OnAccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
	}
}

func (l *LRU) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.Remove(elem)
		delete(l.items, key)
	}
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Keys returns the tracked keys, most recently used first.
func (l *LRU) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, l.list.Len())
	for elem := l.list.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key)
	}
	return keys
}

func (l *LRU) GetVictims(excess policy.Usage) []eviction.Victim {
	l.mu.Lock()
	defer l.mu.Unlock()

	var victims []eviction.Victim
	var freed policy.Usage

	// Traverse from back without modifying
	for elem := l.list.Back(); elem != nil; elem = elem.Prev() {
		if freed.Entries >= excess.Entries && freed.Bytes >= excess.Bytes {
			break
		}
		ent := elem.Value.(*entry)
		victims = append(victims, eviction.Victim{Key: ent.key, Size: ent.size})
		freed = freed.Add(policy.Usage{Entries: 1, Bytes: ent.size})
	}

	return victims
}
