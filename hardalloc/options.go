package hardalloc

import (
	"log/slog"
)

// config collects every tunable the allocator accepts before New locks
// them in; Option values mutate it the same way functional options mutate
// their allocatorConfig equivalent elsewhere in this codebase's ancestry.
type config struct {
	canary              bool
	zeroOnFree           bool
	writeAfterFreeCheck  bool
	guardSlabs           bool
	slotRandomize        bool
	classRegionSize      uint64
	regionTableMaxSize   int
	logger               *slog.Logger
	abortHook            func(error)
}

func defaultConfig() config {
	return config{
		canary:             true,
		zeroOnFree:         true,
		writeAfterFreeCheck: true,
		guardSlabs:         false,
		slotRandomize:      true,
		classRegionSize:    0, // 0 means slab.DefaultClassRegionSize
		regionTableMaxSize: 1 << 20,
		logger:             slog.Default(),
		abortHook:          func(error) {},
	}
}

// Option configures an Allocator at construction time.
type Option func(*config)

// WithCanary enables or disables the per-slot canary check, the
// overflow/corruption detector for small allocations. Enabled by default.
func WithCanary(enabled bool) Option {
	return func(c *config) { c.canary = enabled }
}

// WithZeroOnFree enables or disables zeroing a slot's contents on free.
// WithWriteAfterFreeCheck depends on this being enabled. Enabled by
// default.
func WithZeroOnFree(enabled bool) Option {
	return func(c *config) { c.zeroOnFree = enabled }
}

// WithWriteAfterFreeCheck enables or disables scanning a reused slot for
// any non-zero byte before handing it back out, which would indicate a
// write after the previous free. Enabled by default; has no effect unless
// WithZeroOnFree is also enabled.
func WithWriteAfterFreeCheck(enabled bool) Option {
	return func(c *config) { c.writeAfterFreeCheck = enabled }
}

// WithGuardSlabs reserves every other slab's address range as an
// inaccessible guard instead of usable storage, trading slab density for
// adjacent-slab overflow detection. Disabled by default.
func WithGuardSlabs(enabled bool) Option {
	return func(c *config) { c.guardSlabs = enabled }
}

// WithSlotRandomize enables or disables randomizing which free slot within
// a slab is handed out, rather than always the lowest index. Enabled by
// default.
func WithSlotRandomize(enabled bool) Option {
	return func(c *config) { c.slotRandomize = enabled }
}

// WithClassRegionSize overrides the per-size-class usable region size (each
// class reserves twice this much address space). Mainly useful for tests
// running in constrained address spaces; production use should leave this
// at its default (slab.DefaultClassRegionSize, 128 GiB).
func WithClassRegionSize(bytes uint64) Option {
	return func(c *config) { c.classRegionSize = bytes }
}

// WithRegionTableMaxSize overrides the maximum number of live large
// allocations the region registry can track simultaneously.
func WithRegionTableMaxSize(entries int) Option {
	return func(c *config) { c.regionTableMaxSize = entries }
}

// WithLogger sets the structured logger used for operational and fatal
// events. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAbortHook overrides what happens when the allocator detects a fatal
// corruption condition (double free, canary mismatch, invalid free/region).
// The hook runs before the allocator still unconditionally panics — it
// exists for last-chance logging, metrics flushing, or crash reporting,
// not to make a fatal condition recoverable.
func WithAbortHook(hook func(error)) Option {
	return func(c *config) {
		if hook != nil {
			c.abortHook = hook
		}
	}
}
