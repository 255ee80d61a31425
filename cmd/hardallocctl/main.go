// Command hardallocctl is a small operational front end for exercising and
// smoke-testing a hardalloc.Allocator instance from the shell.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kichangya/hardened-malloc/hardalloc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		canary        bool
		guardSlabs    bool
		slotRandomize bool
		verbose       bool
	)

	root := &cobra.Command{
		Use:   "hardallocctl",
		Short: "Exercise and inspect a hardened-malloc allocator instance",
	}
	root.PersistentFlags().BoolVar(&canary, "canary", true, "enable per-slot canaries")
	root.PersistentFlags().BoolVar(&guardSlabs, "guard-slabs", false, "reserve every other slab as an inaccessible guard")
	root.PersistentFlags().BoolVar(&slotRandomize, "slot-randomize", true, "randomize free-slot selection within a slab")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	newAllocator := func() (*hardalloc.Allocator, error) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		return hardalloc.New(
			hardalloc.WithCanary(canary),
			hardalloc.WithGuardSlabs(guardSlabs),
			hardalloc.WithSlotRandomize(slotRandomize),
			hardalloc.WithLogger(logger),
		)
	}

	root.AddCommand(newSmokeTestCmd(newAllocator))
	root.AddCommand(newSizeClassesCmd())
	return root
}

func newSmokeTestCmd(newAllocator func() (*hardalloc.Allocator, error)) *cobra.Command {
	var count int
	var size uint64

	cmd := &cobra.Command{
		Use:   "smoke-test",
		Short: "Allocate and free a batch of objects, exercising the small and large paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAllocator()
			if err != nil {
				return fmt.Errorf("failed to initialize allocator: %w", err)
			}

			ptrs := make([]uintptr, 0, count)
			for i := 0; i < count; i++ {
				p, err := a.Malloc(size)
				if err != nil {
					return fmt.Errorf("malloc #%d failed: %w", i, err)
				}
				ptrs = append(ptrs, p)
			}
			for _, p := range ptrs {
				a.Free(p)
			}
			trimmed := a.MallocTrim()
			fmt.Fprintf(cmd.OutOrStdout(), "allocated and freed %d objects of %d bytes; trim released cached slabs: %v\n", count, size, trimmed)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1000, "number of allocations to perform")
	cmd.Flags().Uint64Var(&size, "size", 64, "size in bytes of each allocation")
	return cmd
}

func newSizeClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size-classes",
		Short: "Print the static size-class table",
		RunE: func(cmd *cobra.Command, args []string) error {
			printSizeClasses(cmd)
			return nil
		},
	}
}
