// Package main is the entry point for the tiled-player binary.
package main

import (
	"os"

	"github.com/king-prawns/tiled-player/cmd/tiledplayer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
