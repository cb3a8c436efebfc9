package main

import "github.com/florinutz/iceingest/cmd"

func main() {
	cmd.Execute()
}
