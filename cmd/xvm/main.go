package main

import (
	"fmt"
	"os"
)

var (
	Version   = "dev"
	CommitID  = ""
	BuildTime = ""
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
