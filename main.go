package main

import "github.com/Laisky/repo-snapshot/cmd"

func main() {
	cmd.Execute()
}
