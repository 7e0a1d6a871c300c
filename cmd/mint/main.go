// Command mint creates tokens accepted by the tollgate gateway, and the key
// set that verifies them. It is intended for development and testing.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
