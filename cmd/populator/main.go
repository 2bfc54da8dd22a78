package main

import (
	"os"

	"github.com/solatis/populator/cmd/populator/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
