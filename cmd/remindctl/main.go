package main

import (
	"fmt"
	"os"

	"reengage-service/config"
)

func main() {
	if err := newRootCommand(config.Load).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
