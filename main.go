package main

import "github.com/audiolibrelab/roomir/cmd"

func main() {
	cmd.Execute()
}
