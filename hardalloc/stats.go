package hardalloc

// MutexStat is one lock's cumulative contention counters, as reported by
// Allocator.Stats.
type MutexStat struct {
	Name      string
	Locks     int64
	Contended int64
	WaitNanos int64
}

// Stats returns contention statistics for every mutex this allocator
// owns: the region table lock followed by every size class's slab lock.
func (a *Allocator) Stats() []MutexStat {
	locks, contended, waitNanos := a.regionsMu.Stats()
	stats := make([]MutexStat, 0, 1+len(a.engine.MutexStats()))
	stats = append(stats, MutexStat{
		Name:      a.regionsMu.Name(),
		Locks:     locks,
		Contended: contended,
		WaitNanos: waitNanos,
	})
	for _, s := range a.engine.MutexStats() {
		stats = append(stats, MutexStat{
			Name:      s.Name,
			Locks:     s.Locks,
			Contended: s.Contended,
			WaitNanos: s.WaitNanos,
		})
	}
	return stats
}
