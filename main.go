package main

import "github.com/nextlevelbuilder/chronoq/cmd"

func main() {
	cmd.Execute()
}
