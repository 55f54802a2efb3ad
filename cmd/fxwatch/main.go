package main

import "fxwatch/internal/cli"

func main() {
	cli.Execute()
}
