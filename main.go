// Package main is the entry point for dpslens.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/dpslens/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
