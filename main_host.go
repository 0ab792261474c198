//go:build !tinygo

package main

import (
	"fmt"
	"os"
)

// Host builds only carry the testable parts of the firmware.
func main() {
	fmt.Fprintln(os.Stderr, "imatrix firmware: build with tinygo -target=pico2-w -scheduler=tasks")
	os.Exit(1)
}
