package main

import (
	"lnfeetuner/internal/cli"
)

func main() {
	cli.Execute()
}
