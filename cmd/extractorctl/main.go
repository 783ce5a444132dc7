package main

import (
	"os"

	"github.com/Aximande/phospho/cmd/extractorctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
