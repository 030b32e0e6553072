package main

import "chatgate/cmd"

func main() {
	cmd.Execute()
}
