package main

import "github.com/procsi/procsi/cmd/procsi/cmd"

func main() {
	cmd.Execute()
}
