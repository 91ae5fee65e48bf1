package main

import "github.com/helmsman-ops/helmsman/cmd"

func main() {
	cmd.Execute()
}
