package main

import "github.com/tanq16/shardget/cmd"

func main() {
	cmd.Execute()
}
