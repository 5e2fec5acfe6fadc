//go:build no_psi

package main

import (
	"context"
	"os"
)

// supervisor is empty when the binary is built without psi; signals are
// handled by withSignalCancel alone.
const supervisor = ""

func main() {
	os.Exit(submain(context.Background()))
}
