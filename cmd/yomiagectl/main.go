// Command yomiagectl sends operator commands to a running yomiaged over the bus.
package main

import (
	"fmt"
	"os"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCommand(dialBus).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
