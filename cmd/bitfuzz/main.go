package main

import "github.com/OpenTraceLab/OpenTraceFuzz/cmd/bitfuzz/cmd"

func main() {
	cmd.Execute()
}
