//go:build !no_psi

package main

import (
	"context"

	"pkt.systems/psi"
)

// supervisor names what reaps children and forwards signals when activityd
// runs as PID 1 in a container.
const supervisor = "psi"

func main() {
	psi.Run(func(ctx context.Context) int {
		return submain(ctx)
	})
}
