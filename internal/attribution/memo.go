package attribution

// Memo caches attributions by PID for the lifetime of one refresh.
// It is not safe for concurrent use.
type Memo struct {
	resolver *Resolver
	cache    map[int]Attribution
}

// NewMemo wraps r with an empty cache.
func NewMemo(r *Resolver) *Memo {
	return &Memo{resolver: r, cache: make(map[int]Attribution)}
}

// Resolve returns the cached attribution for pid, walking the ancestry on first use.
func (m *Memo) Resolve(pid int) Attribution {
	if a, ok := m.cache[pid]; ok {
		return a
	}
	a := m.resolver.Resolve(pid)
	m.cache[pid] = a
	return a
}

// Len reports how many distinct PIDs were resolved.
func (m *Memo) Len() int {
	return len(m.cache)
}
