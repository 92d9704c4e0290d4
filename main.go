package main

import "github.com/breez/sync-storage/cmd"

func main() {
	cmd.Execute()
}
