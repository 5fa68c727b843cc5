package main

import "github.com/Tiliavir/ttt-rmsync/cmd"

func main() {
	cmd.Execute()
}
