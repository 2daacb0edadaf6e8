package main

import (
	"os"

	"github.com/roach88/weft/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
