// Package main is the billops daemon and operator CLI.
package main

import (
	"os"
	_ "time/tzdata"

	"billops/cmd/billops/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
