package hardalloc

// PrepareFork, ParentAfterFork and ChildAfterFork give callers explicit
// control over fork-time lock ordering, standing in for the three
// callbacks a libc fork hook would normally run automatically.
// Go cannot safely wrap a raw fork(2): a forked child inherits exactly one
// goroutine (whichever called fork) while every mutex the runtime and this
// allocator hold stays exactly as locked as it was in the parent at the
// moment of the call, so any goroutine-scheduling dependent code in the
// child deadlocks immediately. A Go process that needs fork/exec uses
// os/exec, which forks and execs before any other goroutine can observe
// the intermediate state; a bare fork with the parent's goroutines still
// "present" in the child's address space is not a state this allocator
// needs to survive. What a fork hook normally provides automatically — a
// consistent lock ordering across the fork boundary and fresh randomness
// in the child — is expressed instead as three explicit methods a caller
// invokes around whatever fork-like operation it performs (a raw
// syscall.ForkExec-adjacent primitive, or a CGO call into a C fork()).

// PrepareFork acquires the regions lock and then every size class's lock,
// in a fixed order, so a
// subsequent fork(2) captures the allocator in a locked, consistent state.
// Call this immediately before forking.
func (a *Allocator) PrepareFork() {
	a.regionsMu.Lock()
	a.engine.LockAll()
}

// ParentAfterFork releases the locks PrepareFork acquired, in the same
// order. Call this in the parent immediately after fork(2) returns.
func (a *Allocator) ParentAfterFork() {
	a.regionsMu.Unlock()
	a.engine.UnlockAll()
}

// ChildAfterFork releases the locks PrepareFork acquired and reseeds every
// random stream the allocator owns, so the child's allocation pattern
// doesn't mirror the parent's. Call this in the child immediately after
// fork(2) returns there instead of ParentAfterFork.
func (a *Allocator) ChildAfterFork() error {
	a.engine.UnlockAll()
	a.regionsMu.Unlock()

	if err := a.regionsRNG.Init(); err != nil {
		return err
	}
	return a.engine.ReseedAll()
}
