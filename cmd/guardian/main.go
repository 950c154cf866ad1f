package main

import "compliance-guardian/internal/cli"

func main() {
	cli.Execute()
}
