package main

import "github.com/javi11/rarbridge/cmd/rarbridge/cmd"

func main() {
	cmd.Execute()
}
