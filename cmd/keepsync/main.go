package main

import "github.com/dmitrijs2005/keepsync/internal/cli"

var version = "dev"

func main() {
	cli.Execute(version)
}
