package main

import "github.com/Dado-hash/fundings-screener/internal/cli"

func main() {
	cli.Execute()
}
