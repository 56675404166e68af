package main

import "github.com/ngrant/bob/cmd"

func main() {
	cmd.Execute()
}
