package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kichangya/hardened-malloc/sizeclass"
)

func printSizeClasses(cmd *cobra.Command) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-6s %-8s %-6s\n", "class", "size", "slots")
	for class := 0; class < sizeclass.NumClasses; class++ {
		fmt.Fprintf(w, "%-6d %-8d %-6d\n", class, sizeclass.Sizes[class], sizeclass.Slots[class])
	}
}
