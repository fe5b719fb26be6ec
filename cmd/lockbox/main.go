package main

import "github.com/jmcleod/lockbox/cmd/lockbox/cmd"

func main() {
	cmd.Execute()
}
