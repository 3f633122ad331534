package main

import "github.com/terraconstructs/jitaccess/cmd"

func main() {
	cmd.Execute()
}
