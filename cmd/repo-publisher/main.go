package main

import "repo-publisher/internal/cli"

func main() {
	cli.Execute()
}
