package main

import "github.com/tanq16/prebuf/cmd"

func main() {
	cmd.Execute()
}
