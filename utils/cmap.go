package utils

import "sync"

// CMap is a typed wrapper over sync.Map for read-mostly maps shared
// across goroutines, like the per-store manifest memo. The zero value
// is an empty map ready to use.
type CMap[K comparable, V any] struct {
	sm sync.Map
}

func (m *CMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.sm.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// LoadOrStore stores value under key unless one is already present and
// returns whichever value ends up in the map.
func (m *CMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	a, loaded := m.sm.LoadOrStore(key, value)
	return a.(V), loaded
}

func (m *CMap[K, V]) Store(key K, value V) {
	m.sm.Store(key, value)
}

func (m *CMap[K, V]) Delete(key K) {
	m.sm.Delete(key)
}

func (m *CMap[K, V]) Range(f func(key K, value V) bool) {
	m.sm.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
