package main

import "github.com/audiolibrelab/replaycapture/cmd"

func main() {
	cmd.Execute()
}
