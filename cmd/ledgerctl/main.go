package main

import "RebaseLedger/internal/cli"

func main() {
	cli.Execute()
}
