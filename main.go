package main

import (
	"os"

	"github.com/jalad-shrimali/cdr-correlator/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
