package main

import "github.com/espenfjo/symbolfetcher/internal/cli"

func main() {
	cli.Execute()
}
