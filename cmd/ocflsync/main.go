package main

import "github.com/aweris/ocflsync/cmd/ocflsync/cmd"

func main() {
	cmd.Execute()
}
