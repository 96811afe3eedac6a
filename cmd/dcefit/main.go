package main

import "dcefit/internal/cli"

func main() {
	cli.Execute()
}
