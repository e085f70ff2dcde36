package main

import "github.com/tail-feather/indigo-pyext/cmd"

func main() {
	cmd.Execute()
}
