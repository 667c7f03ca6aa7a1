package main

import (
	"os"

	"github.com/vection-dev/vection/cmd/vection/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
