package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/mpdcore/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()
	os.Exit(cli.Execute())
}
