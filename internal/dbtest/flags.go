package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps the container of a failed test running until the test binary
// receives SIGINT. The testcontainers reaper removes it eventually regardless.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the container of a failed test running until interrupted")

func waitForInterrupt() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
