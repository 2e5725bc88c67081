package main

import "devsnap/cmd"

func main() {
	cmd.Execute()
}
