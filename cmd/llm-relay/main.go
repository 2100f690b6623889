package main

import "github.com/nghyane/llm-relay/internal/cli"

func main() {
	cli.Execute()
}
