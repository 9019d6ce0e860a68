package main

import "github.com/nextlevelbuilder/goclaw-gateway/cmd"

func main() {
	cmd.Execute()
}
