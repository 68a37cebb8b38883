package main

import "trm-dispatch-stats/internal/cli"

func main() {
	cli.Execute()
}
