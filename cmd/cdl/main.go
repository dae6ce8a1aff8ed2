package main

import (
	"os"

	"github.com/tilakbaserock/pan-cortex-data-lake-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
