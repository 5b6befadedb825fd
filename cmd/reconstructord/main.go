// Command reconstructord runs the per-node fragment reconstructor: a
// partition scanner, job planner, and executor that reconciles local
// erasure-coded fragment archives against the placement ring after
// failures, rebalances, and handoffs.
package main

import (
	"context"
	"log"
	"os"

	"github.com/objectfs/reconstructord/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cmd.New()

	if err := c.Run(context.Background(), os.Args); err != nil {
		log.Printf("error running reconstructord: %s", err)

		return 1
	}

	return 0
}
