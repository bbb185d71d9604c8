package main

import (
	"os"

	"github.com/feynmancraft/pipewatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
