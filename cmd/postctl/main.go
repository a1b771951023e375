package main

import (
	"os"

	"github.com/austindbirch/harbor_post/cmd/postctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
