package main

import "github.com/Alex-solo31/mj-bot-server/cmd"

func main() {
	cmd.Execute()
}
