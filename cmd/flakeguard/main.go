package main

import "github.com/vietddude/flakeguard/internal/cli"

func main() {
	cli.Execute()
}
