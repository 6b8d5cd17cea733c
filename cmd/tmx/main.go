package main

import (
	"os"

	"github.com/tmx-org/tmx/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
