package main

import (
	"os"

	"github.com/austindbirch/harbor_notify/cmd/sendworker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
