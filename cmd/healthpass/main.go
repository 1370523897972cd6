package main

import "zkhealthpass/healthpass-cli/cmd"

func main() {
	cmd.Execute()
}
