package main

import (
	"os"

	"github.com/suPer8Hu/chat-memory/cmd/memctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
