package main

import "github.com/kasuboski/watchz/cmd"

func main() {
	cmd.Execute()
}
