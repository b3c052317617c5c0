package socketlib

import "sync"

// writerPreferringRWMutex is a small wrapper around sync.RWMutex that
// satisfies spec.md §5's "no reader starvation of the reaper" requirement
// and design-note #3: a pending exclusive acquirer eventually proceeds in
// the presence of continuous shared acquirers.
//
// Go's sync.RWMutex already blocks new RLock calls once a Lock is
// pending (this is documented behavior, not the hand-rolled, reviewer-
// flagged race the original C++ ExclusiveSharedMutex has), so this type
// is a thin, explicitly-named wrapper rather than a reimplementation —
// the name documents the guarantee at each call site instead of leaving
// readers to trust sync.RWMutex's undocumented-by-name fairness.
type writerPreferringRWMutex struct {
	mu sync.RWMutex
}

func (l *writerPreferringRWMutex) RLock()   { l.mu.RLock() }
func (l *writerPreferringRWMutex) RUnlock() { l.mu.RUnlock() }
func (l *writerPreferringRWMutex) Lock()    { l.mu.Lock() }
func (l *writerPreferringRWMutex) Unlock()  { l.mu.Unlock() }
