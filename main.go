package main

import "github.com/aceteam-ai/envoy-bridge/cmd"

func main() {
	cmd.Execute()
}
