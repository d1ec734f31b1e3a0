package main

import "github.com/audiolibrelab/takecapture/cmd"

func main() {
	cmd.Execute()
}
