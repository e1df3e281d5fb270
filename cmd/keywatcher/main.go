package main

import "github.com/vietddude/keywatcher/internal/cli"

func main() {
	cli.Execute()
}
