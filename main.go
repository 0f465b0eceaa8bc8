package main

import "github.com/hazeldb/hazel/cmd"

func main() {
	cmd.Execute()
}
