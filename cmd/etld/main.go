package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ashare-data/etld/cmd/etld/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ec commands.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}
