package main

import "github.com/nextlevelbuilder/fleetgate/cmd"

func main() {
	cmd.Execute()
}
