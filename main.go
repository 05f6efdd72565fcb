package main

import "github.com/iksnae/cursor-relay/cmd"

func main() {
	cmd.Execute()
}
