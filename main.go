package main

import "filerelay/cmd"

func main() {
	cmd.Execute()
}
